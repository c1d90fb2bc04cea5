// Package resource implements admission control over system capacity,
// per-service API quota accounting and cost tracking.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/telemetry"
)

// InsufficientResourceError names the specific resource that admission control
// found short. Allocation is admit-or-reject; there is no wait queue.
type InsufficientResourceError struct {
	Resource  string
	Requested float64
	Available float64
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("resource: insufficient %s: requested %.2f, available %.2f",
		e.Resource, e.Requested, e.Available)
}

// StaleAllocationError reports an operation against an expired allocation.
type StaleAllocationError struct {
	RequestID string
}

func (e *StaleAllocationError) Error() string {
	return fmt.Sprintf("resource: allocation %s has expired", e.RequestID)
}

// QuotaExceededError reports a quota ceiling that a consume call would breach.
type QuotaExceededError struct {
	Service string
	Window  string
	Limit   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("resource: %s quota exceeded for service %s (limit %d)",
		e.Window, e.Service, e.Limit)
}

// Probe reads OS-level utilization. Host-replaceable; the default uses gopsutil.
type Probe interface {
	Sample(ctx context.Context) (model.SystemSample, error)
}

// Config sets total capacity, reserves and loop cadence.
type Config struct {
	TotalCPUCores    float64
	TotalMemoryMB    int64
	TotalGPUMemoryMB int64
	ReserveCPUCores  float64
	ReserveMemoryMB  int64

	MonitorInterval time.Duration
	SweepInterval   time.Duration
	SampleHistory   int

	// CostPerRequest / CostPerKiloTokens are per-service pricing used by cost
	// tracking; missing services charge zero.
	CostPerRequest    map[string]float64
	CostPerKiloTokens map[string]float64

	// CostPerCoreHour / CostPerGBHour price the compute reservation of an
	// allocation for the time it is held.
	CostPerCoreHour float64
	CostPerGBHour   float64
}

func (c Config) withDefaults() Config {
	if c.TotalCPUCores <= 0 {
		c.TotalCPUCores = float64(8)
	}
	if c.TotalMemoryMB <= 0 {
		c.TotalMemoryMB = 16 * 1024
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SampleHistory <= 0 {
		c.SampleHistory = 120
	}
	if c.CostPerCoreHour <= 0 {
		c.CostPerCoreHour = 0.04
	}
	if c.CostPerGBHour <= 0 {
		c.CostPerGBHour = 0.005
	}
	return c
}

// Coordinator is the resource coordinator. The allocation table, usage records
// and quota counters are owned exclusively here.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	probe  Probe

	mu          sync.Mutex
	allocations map[string]model.ResourceAllocation
	usages      map[string]*model.ResourceUsage
	quotas      map[string]*model.APIQuota
	costs       map[string]*model.CostEntry // key: day|service|kind
	samples     []model.SystemSample        // bounded ring, oldest first

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	allocationsGranted metric.Int64Counter
	allocationsDenied  metric.Int64Counter
	quotaDenied        metric.Int64Counter
}

// New creates a resource coordinator. Probe may be nil (monitoring disabled).
func New(cfg Config, probe Probe, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	meter := telemetry.Meter("chousei/resource")
	granted, _ := meter.Int64Counter("chousei.allocations.granted")
	denied, _ := meter.Int64Counter("chousei.allocations.denied")
	qDenied, _ := meter.Int64Counter("chousei.quota.denied")

	return &Coordinator{
		cfg:                cfg,
		logger:             logger,
		probe:              probe,
		allocations:        make(map[string]model.ResourceAllocation),
		usages:             make(map[string]*model.ResourceUsage),
		quotas:             make(map[string]*model.APIQuota),
		costs:              make(map[string]*model.CostEntry),
		done:               make(chan struct{}),
		allocationsGranted: granted,
		allocationsDenied:  denied,
		quotaDenied:        qDenied,
	}
}

// Start launches the utilization monitor and the expiry/quota sweeps.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.monitorLoop(ctx)
	go c.sweepLoop(ctx)
}

// Stop signals the loops and waits for them.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Allocate grants a reservation against currently available capacity.
// Idempotent by request ID: a repeated call returns the existing allocation
// unchanged and does not double-charge capacity. Admission failure is a
// *InsufficientResourceError naming the short resource.
func (c *Coordinator) Allocate(ctx context.Context, requestID string, req model.ResourceRequirements) (model.ResourceAllocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.allocations[requestID]; ok {
		return existing, nil
	}

	availCPU, availMem, availGPU := c.availableLocked()
	if req.CPUCores > availCPU {
		c.allocationsDenied.Add(ctx, 1)
		return model.ResourceAllocation{}, &InsufficientResourceError{
			Resource: "cpu_cores", Requested: req.CPUCores, Available: availCPU,
		}
	}
	if float64(req.MemoryMB) > availMem {
		c.allocationsDenied.Add(ctx, 1)
		return model.ResourceAllocation{}, &InsufficientResourceError{
			Resource: "memory_mb", Requested: float64(req.MemoryMB), Available: availMem,
		}
	}
	if float64(req.GPUMemoryMB) > availGPU {
		c.allocationsDenied.Add(ctx, 1)
		return model.ResourceAllocation{}, &InsufficientResourceError{
			Resource: "gpu_memory_mb", Requested: float64(req.GPUMemoryMB), Available: availGPU,
		}
	}

	now := time.Now().UTC()
	alloc := model.ResourceAllocation{
		RequestID:   requestID,
		CPUCores:    req.CPUCores,
		MemoryMB:    req.MemoryMB,
		GPUMemoryMB: req.GPUMemoryMB,
		APIQuota:    req.APIQuota,
		TokenLimit:  req.TokenLimit,
		AllocatedAt: now,
		TTL:         req.TTL,
	}
	c.allocations[requestID] = alloc
	c.usages[requestID] = &model.ResourceUsage{RequestID: requestID, StartTime: now}
	c.allocationsGranted.Add(ctx, 1)

	c.logger.Debug("resource: allocated",
		"request_id", requestID, "cpu", req.CPUCores, "memory_mb", req.MemoryMB)
	return alloc, nil
}

// Release returns an allocation's capacity. Returns false for an unknown ID.
// Final usage is converted to cost records before the entries are removed.
func (c *Coordinator) Release(ctx context.Context, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked(ctx, requestID)
}

func (c *Coordinator) releaseLocked(ctx context.Context, requestID string) bool {
	alloc, ok := c.allocations[requestID]
	if !ok {
		return false
	}
	if usage, ok := c.usages[requestID]; ok {
		c.recordFinalUsageLocked(alloc, usage)
	}
	delete(c.allocations, requestID)
	delete(c.usages, requestID)
	c.logger.Debug("resource: released", "request_id", requestID)
	return true
}

// recordFinalUsageLocked prices a finished allocation's compute reservation
// into the cost table. API call and token costs are booked by ConsumeAPIQuota
// as they happen; only the reserved cores and memory are priced here, for the
// time the allocation was held.
func (c *Coordinator) recordFinalUsageLocked(alloc model.ResourceAllocation, usage *model.ResourceUsage) {
	held := time.Since(alloc.AllocatedAt)
	if held <= 0 {
		return
	}
	hours := held.Hours()
	cost := alloc.CPUCores*hours*c.cfg.CostPerCoreHour +
		float64(alloc.MemoryMB)/1024.0*hours*c.cfg.CostPerGBHour
	day := usage.StartTime.Format("2006-01-02")
	c.addCostLocked(day, "allocation", "compute", held.Milliseconds(), cost)
}

// RecordUsage updates observed CPU/memory consumption for an active
// allocation. Operating on an expired allocation is a *StaleAllocationError.
func (c *Coordinator) RecordUsage(requestID string, cpu float64, memMB int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	alloc, ok := c.allocations[requestID]
	if !ok {
		return fmt.Errorf("resource: unknown allocation %s", requestID)
	}
	if alloc.Expired(time.Now().UTC()) {
		return &StaleAllocationError{RequestID: requestID}
	}
	usage := c.usages[requestID]
	usage.CPUUsage = cpu
	usage.MemoryUsageMB = memMB
	return nil
}

// availableLocked computes capacity left after active allocations and reserve.
func (c *Coordinator) availableLocked() (cpu, mem, gpu float64) {
	cpu = c.cfg.TotalCPUCores - c.cfg.ReserveCPUCores
	mem = float64(c.cfg.TotalMemoryMB - c.cfg.ReserveMemoryMB)
	gpu = float64(c.cfg.TotalGPUMemoryMB)
	for _, a := range c.allocations {
		cpu -= a.CPUCores
		mem -= float64(a.MemoryMB)
		gpu -= float64(a.GPUMemoryMB)
	}
	return cpu, mem, gpu
}

// Status summarizes capacity, allocations and recent samples.
func (c *Coordinator) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	cpu, mem, gpu := c.availableLocked()
	st := map[string]any{
		"total_cpu_cores":     c.cfg.TotalCPUCores,
		"total_memory_mb":     c.cfg.TotalMemoryMB,
		"available_cpu_cores": cpu,
		"available_memory_mb": mem,
		"available_gpu_mb":    gpu,
		"active_allocations":  len(c.allocations),
	}
	if len(c.samples) > 0 {
		st["last_sample"] = c.samples[len(c.samples)-1]
	}
	return st
}

// Allocations returns a copy of the active allocation table.
func (c *Coordinator) Allocations() []model.ResourceAllocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ResourceAllocation, 0, len(c.allocations))
	for _, a := range c.allocations {
		out = append(out, a)
	}
	return out
}

// monitorLoop polls the probe, appends to the bounded sample ring and raises
// warnings when utilization crosses thresholds.
func (c *Coordinator) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.probe == nil {
		return
	}
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			sample, err := c.probe.Sample(ctx)
			if err != nil {
				c.logger.Warn("resource: probe sample failed", "error", err)
				continue
			}
			c.recordSample(sample)
		}
	}
}

func (c *Coordinator) recordSample(s model.SystemSample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	if len(c.samples) > c.cfg.SampleHistory {
		c.samples = c.samples[len(c.samples)-c.cfg.SampleHistory:]
	}
	c.mu.Unlock()

	if s.CPUPercent >= 90 {
		c.logger.Warn("resource: high CPU utilization", "cpu_percent", s.CPUPercent)
	}
	if s.MemoryPercent >= 90 {
		c.logger.Warn("resource: high memory utilization", "memory_percent", s.MemoryPercent)
	}
}

// sweepLoop releases expired allocations and keeps quota windows fresh under
// low traffic.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
			c.refreshQuotas()
		}
	}
}

func (c *Coordinator) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, a := range c.allocations {
		if a.Expired(now) {
			c.logger.Info("resource: releasing expired allocation", "request_id", id)
			c.releaseLocked(ctx, id)
		}
	}
}

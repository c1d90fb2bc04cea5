package resource

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chousei/internal/model"
)

func testCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	return New(cfg, nil, slog.New(slog.DiscardHandler))
}

func TestAllocateAndRelease(t *testing.T) {
	c := testCoordinator(t, Config{TotalCPUCores: 8, TotalMemoryMB: 16 * 1024})
	ctx := context.Background()

	alloc, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 2, MemoryMB: 2048})
	require.NoError(t, err)
	assert.Equal(t, 2.0, alloc.CPUCores)
	assert.Equal(t, int64(2048), alloc.MemoryMB)

	assert.True(t, c.Release(ctx, "req-1"))
	assert.False(t, c.Release(ctx, "req-1"), "second release must report unknown id")
}

func TestReleaseBooksComputeCost(t *testing.T) {
	c := testCoordinator(t, Config{
		TotalCPUCores:   8,
		TotalMemoryMB:   16 * 1024,
		CostPerCoreHour: 0.04,
		CostPerGBHour:   0.005,
	})
	ctx := context.Background()

	_, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 2, MemoryMB: 2048})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	require.True(t, c.Release(ctx, "req-1"))

	var found bool
	for _, e := range c.Costs() {
		if e.Service == "allocation" && e.Kind == "compute" {
			found = true
			assert.Greater(t, e.CostUSD, 0.0, "held cores and memory must be priced")
			assert.GreaterOrEqual(t, e.Units, int64(5), "units are milliseconds held")
		}
	}
	assert.True(t, found, "release must book a compute cost entry")
}

func TestAllocateInsufficientCPU(t *testing.T) {
	c := testCoordinator(t, Config{TotalCPUCores: 8, TotalMemoryMB: 16 * 1024})
	ctx := context.Background()

	_, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 2, MemoryMB: 2048})
	require.NoError(t, err)

	_, err = c.Allocate(ctx, "req-2", model.ResourceRequirements{CPUCores: 10})
	var ire *InsufficientResourceError
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, "cpu_cores", ire.Resource)
	assert.Equal(t, 10.0, ire.Requested)
	assert.Equal(t, 6.0, ire.Available)
}

func TestAllocateIdempotent(t *testing.T) {
	c := testCoordinator(t, Config{TotalCPUCores: 4, TotalMemoryMB: 8 * 1024})
	ctx := context.Background()

	first, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 3, MemoryMB: 1024})
	require.NoError(t, err)

	// Same id again, even with different requirements: existing allocation
	// returned unchanged, capacity not double-charged.
	second, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 3, MemoryMB: 1024})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = c.Allocate(ctx, "req-2", model.ResourceRequirements{CPUCores: 1})
	require.NoError(t, err, "only 3 of 4 cores are charged")
}

func TestAdmissionConservation(t *testing.T) {
	cfg := Config{TotalCPUCores: 8, ReserveCPUCores: 2, TotalMemoryMB: 16 * 1024}
	c := testCoordinator(t, cfg)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		_, _ = c.Allocate(ctx, id, model.ResourceRequirements{CPUCores: 2})
	}
	c.Release(ctx, "a")
	_, _ = c.Allocate(ctx, "f", model.ResourceRequirements{CPUCores: 2})

	var sum float64
	for _, a := range c.Allocations() {
		sum += a.CPUCores
	}
	assert.LessOrEqual(t, sum, cfg.TotalCPUCores-cfg.ReserveCPUCores)
}

func TestExpirySweep(t *testing.T) {
	c := testCoordinator(t, Config{TotalCPUCores: 8, TotalMemoryMB: 16 * 1024})
	ctx := context.Background()

	_, err := c.Allocate(ctx, "short", model.ResourceRequirements{CPUCores: 1, TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = c.Allocate(ctx, "long", model.ResourceRequirements{CPUCores: 1, TTL: time.Hour})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	c.sweepExpired(ctx)

	allocs := c.Allocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, "long", allocs[0].RequestID)
}

func TestRecordUsageStaleAllocation(t *testing.T) {
	c := testCoordinator(t, Config{TotalCPUCores: 8, TotalMemoryMB: 16 * 1024})
	ctx := context.Background()

	_, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 1, TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	err = c.RecordUsage("req-1", 0.5, 100)
	var stale *StaleAllocationError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "req-1", stale.RequestID)
}

func TestQuotaConsumeAndReject(t *testing.T) {
	c := testCoordinator(t, Config{})
	ctx := context.Background()
	c.SetQuota(model.APIQuota{ServiceName: "openai", RequestsPerMinute: 60})

	require.NoError(t, c.ConsumeAPIQuota(ctx, "openai", 59, 0, ""))

	err := c.ConsumeAPIQuota(ctx, "openai", 5, 0, "")
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "minute", qe.Window)

	// Rejection must leave the counter untouched.
	q, ok := c.GetQuota("openai")
	require.True(t, ok)
	assert.Equal(t, int64(59), q.CurrentMinuteRequests)
}

func TestCheckQuotaIsPure(t *testing.T) {
	c := testCoordinator(t, Config{})
	c.SetQuota(model.APIQuota{ServiceName: "openai", RequestsPerMinute: 10, TokensPerMinute: 100})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.CheckAPIQuota("openai", 10, 100))
	}
	q, _ := c.GetQuota("openai")
	assert.Zero(t, q.CurrentMinuteRequests)
	assert.Zero(t, q.CurrentMinuteTokens)

	require.Error(t, c.CheckAPIQuota("openai", 11, 0))
	require.Error(t, c.CheckAPIQuota("openai", 0, 101))
}

func TestUnknownServiceAllowed(t *testing.T) {
	c := testCoordinator(t, Config{})
	require.NoError(t, c.CheckAPIQuota("unregistered", 1000, 1000))
	require.NoError(t, c.ConsumeAPIQuota(context.Background(), "unregistered", 1000, 1000, ""))
}

func TestQuotaLazyWindowReset(t *testing.T) {
	q := &model.APIQuota{
		ServiceName:           "svc",
		RequestsPerMinute:     10,
		CurrentMinuteRequests: 10,
		CurrentMinuteTokens:   50,
		CurrentHourRequests:   40,
		CurrentDayRequests:    99,
	}
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	q.LastResetMinute = now.Add(-2 * time.Minute).Truncate(time.Minute)
	q.LastResetHour = now.Truncate(time.Hour)
	q.LastResetDay = now.Truncate(24 * time.Hour)

	resetQuotaWindows(q, now)
	assert.Zero(t, q.CurrentMinuteRequests, "minute window crossed, counter resets")
	assert.Zero(t, q.CurrentMinuteTokens)
	assert.Equal(t, int64(40), q.CurrentHourRequests, "hour window unchanged")
	assert.Equal(t, int64(99), q.CurrentDayRequests, "day window unchanged")
}

func TestQuotaUsageAttribution(t *testing.T) {
	c := testCoordinator(t, Config{
		TotalCPUCores: 8, TotalMemoryMB: 16 * 1024,
		CostPerRequest: map[string]float64{"openai": 0.01},
	})
	ctx := context.Background()

	_, err := c.Allocate(ctx, "req-1", model.ResourceRequirements{CPUCores: 1, APIQuota: 100})
	require.NoError(t, err)
	c.SetQuota(model.APIQuota{ServiceName: "openai", RequestsPerMinute: 60})

	require.NoError(t, c.ConsumeAPIQuota(ctx, "openai", 10, 500, "req-1"))

	c.mu.Lock()
	usage := c.usages["req-1"]
	c.mu.Unlock()
	assert.Equal(t, int64(10), usage.APICallsMade)
	assert.Equal(t, int64(500), usage.TokensUsed)

	costs := c.Costs()
	require.Len(t, costs, 2) // requests + tokens entries
	var reqCost model.CostEntry
	for _, e := range costs {
		if e.Kind == "requests" {
			reqCost = e
		}
	}
	assert.Equal(t, int64(10), reqCost.Units)
	assert.InDelta(t, 0.1, reqCost.CostUSD, 1e-9)
}

func TestOptimizeWastedQuota(t *testing.T) {
	c := testCoordinator(t, Config{CostPerRequest: map[string]float64{"openai": 0.001}})
	c.SetQuota(model.APIQuota{ServiceName: "openai", RequestsPerMinute: 100})
	require.NoError(t, c.ConsumeAPIQuota(context.Background(), "openai", 5, 0, ""))

	suggestions := c.Optimize()
	var found bool
	for _, s := range suggestions {
		if s.Kind == "wasted_quota" && s.Target == "openai" {
			found = true
			assert.Greater(t, s.ProjectedSaving, 0.0)
		}
	}
	assert.True(t, found, "expected a wasted_quota suggestion")
}

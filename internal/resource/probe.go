package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ashita-ai/chousei/internal/model"
)

// SystemProbe reads CPU and memory utilization from the OS via gopsutil.
// It is the default Probe; hosts may substitute their own.
type SystemProbe struct{}

// NewSystemProbe creates the gopsutil-backed probe.
func NewSystemProbe() *SystemProbe { return &SystemProbe{} }

// Sample returns one utilization reading. The CPU percentage is measured over
// a short interval, so Sample blocks briefly.
func (p *SystemProbe) Sample(ctx context.Context) (model.SystemSample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false)
	if err != nil {
		return model.SystemSample{}, fmt.Errorf("resource: cpu probe: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.SystemSample{}, fmt.Errorf("resource: memory probe: %w", err)
	}

	return model.SystemSample{
		CPUPercent:    cpuPercent,
		MemoryPercent: vm.UsedPercent,
		MemoryUsedMB:  int64(vm.Used / (1024 * 1024)),
		Taken:         time.Now().UTC(),
	}, nil
}

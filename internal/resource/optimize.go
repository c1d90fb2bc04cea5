package resource

import (
	"fmt"
	"sort"

	"github.com/ashita-ai/chousei/internal/model"
)

// Optimize aggregates utilization, wasted API quota and over-provisioned
// allocations into a recommendation list. Recommendations are returned for the
// operator to act on; nothing is auto-applied.
func (c *Coordinator) Optimize() []model.OptimizationSuggestion {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.OptimizationSuggestion

	// (a) Average observed utilization across tracked usages vs allocation.
	var cpuUtil, memUtil float64
	var tracked int
	for id, usage := range c.usages {
		alloc, ok := c.allocations[id]
		if !ok {
			continue
		}
		tracked++
		if alloc.CPUCores > 0 {
			cpuUtil += usage.CPUUsage / alloc.CPUCores
		}
		if alloc.MemoryMB > 0 {
			memUtil += float64(usage.MemoryUsageMB) / float64(alloc.MemoryMB)
		}

		// (c) Flag clearly over-provisioned allocations.
		if alloc.CPUCores > 0 && usage.CPUUsage/alloc.CPUCores < 0.25 && usage.CPUUsage > 0 {
			out = append(out, model.OptimizationSuggestion{
				Kind:   "overprovisioned_cpu",
				Target: id,
				Detail: fmt.Sprintf("allocation uses %.2f of %.2f cores; consider trimming",
					usage.CPUUsage, alloc.CPUCores),
			})
		}
	}
	if tracked > 0 {
		out = append(out, model.OptimizationSuggestion{
			Kind:   "average_utilization",
			Target: "system",
			Detail: fmt.Sprintf("avg cpu utilization %.0f%%, avg memory utilization %.0f%% across %d allocations",
				cpuUtil/float64(tracked)*100, memUtil/float64(tracked)*100, tracked),
		})
	}

	// (b) Wasted quota: allocated-but-unused request budget per quota window.
	services := make([]string, 0, len(c.quotas))
	for name := range c.quotas {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		q := c.quotas[name]
		if q.RequestsPerMinute <= 0 {
			continue
		}
		unused := q.RequestsPerMinute - q.CurrentMinuteRequests
		if float64(unused)/float64(q.RequestsPerMinute) > 0.8 {
			saving := c.cfg.CostPerRequest[name] * float64(unused) * 60 * 24
			out = append(out, model.OptimizationSuggestion{
				Kind:            "wasted_quota",
				Target:          name,
				Detail:          fmt.Sprintf("%d of %d requests/minute unused", unused, q.RequestsPerMinute),
				ProjectedSaving: saving,
			})
		}
	}

	return out
}

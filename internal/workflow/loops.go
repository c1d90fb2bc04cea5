package workflow

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/chousei/internal/model"
)

// dispatchLoop drains the priority queue up to the concurrency cap. Woken
// eagerly on CreateWorkflow and on workflow completion, with a short ticker as
// a backstop.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.notify:
		case <-ticker.C:
		}
		c.dispatch(ctx)
	}
}

func (c *Coordinator) dispatch(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.running < c.cfg.MaxConcurrent && c.queue.Len() > 0 {
		item := heap.Pop(&c.queue).(*queueItem)
		wf, ok := c.workflows[item.id]
		if !ok || wf.Status != model.WorkflowPending {
			continue
		}
		c.running++
		c.wg.Add(1)
		go func(wf *model.Workflow) {
			defer c.wg.Done()
			c.execute(ctx, wf)
			c.mu.Lock()
			c.running--
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}(wf)
	}
}

// optimizeLoop periodically logs optimization suggestions.
func (c *Coordinator) optimizeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			for _, s := range c.Optimize() {
				c.logger.Info("workflow: optimization suggestion",
					"kind", s.Kind, "target", s.Target, "detail", s.Detail)
			}
		}
	}
}

// Optimize derives suggestions from accumulated step and template statistics:
// steps whose average duration exceeds the slow-step threshold, templates with
// low success rates and templates with long average execution times.
func (c *Coordinator) Optimize() []model.OptimizationSuggestion {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.OptimizationSuggestion
	for _, key := range sortedKeys(c.stepStats) {
		sr := c.stepStats[key]
		if sr.count == 0 {
			continue
		}
		avg := sr.total / time.Duration(sr.count)
		if avg > c.cfg.SlowStepThreshold {
			out = append(out, model.OptimizationSuggestion{
				Kind:   "slow_step",
				Target: key,
				Detail: fmt.Sprintf("average duration %s over %d runs exceeds %s", avg.Round(time.Millisecond), sr.count, c.cfg.SlowStepThreshold),
			})
		}
	}
	for _, wfType := range sortedKeys(c.templateStats) {
		ts := c.templateStats[wfType]
		if ts.runs < 3 {
			continue
		}
		rate := float64(ts.completed) / float64(ts.runs)
		if rate < 0.5 {
			out = append(out, model.OptimizationSuggestion{
				Kind:   "low_success_rate",
				Target: wfType,
				Detail: fmt.Sprintf("success rate %.0f%% over %d runs", rate*100, ts.runs),
			})
		}
		avg := ts.total / time.Duration(ts.runs)
		if avg > 2*c.cfg.SlowStepThreshold {
			out = append(out, model.OptimizationSuggestion{
				Kind:   "long_execution",
				Target: wfType,
				Detail: fmt.Sprintf("average execution time %s over %d runs", avg.Round(time.Millisecond), ts.runs),
			})
		}
	}
	return out
}

// cleanupLoop prunes terminal workflows older than the retention period.
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.cleanup(time.Now().UTC().Add(-c.cfg.Retention))
		}
	}
}

func (c *Coordinator) cleanup(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, wf := range c.workflows {
		if wf.Status.Terminal() && wf.CompletedAt != nil && wf.CompletedAt.Before(cutoff) {
			delete(c.workflows, id)
		}
	}
}

package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/chousei/internal/model"
)

// execute drives one workflow to a terminal status, frontier by frontier. A
// frontier is every pending step whose dependencies have all completed; the
// whole frontier runs concurrently. Step failures never abort siblings: they
// are recorded on the step and resolved into the workflow status at the end.
func (c *Coordinator) execute(ctx context.Context, wf *model.Workflow) {
	now := time.Now().UTC()
	c.mu.Lock()
	wf.Status = model.WorkflowRunning
	wf.StartedAt = &now
	c.mu.Unlock()

	c.started.Add(ctx, 1)
	c.logger.Info("workflow: started", "workflow_id", wf.ID, "type", wf.Type, "steps", len(wf.Steps))
	c.publish(ctx, model.EventWorkflowStarted, map[string]any{
		"workflow_id": wf.ID.String(),
		"type":        wf.Type,
	}, model.PriorityNormal)

	for {
		c.mu.Lock()
		if wf.Status == model.WorkflowCancelled {
			c.mu.Unlock()
			c.finish(ctx, wf)
			return
		}
		if wf.Status == model.WorkflowPaused {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		c.cascadeSkipsLocked(wf)

		var frontier []*model.WorkflowStep
		var pending []string
		for _, s := range wf.Steps {
			if s.Status != model.StepPending {
				continue
			}
			pending = append(pending, s.Name)
			if c.depsCompletedLocked(wf, s) {
				frontier = append(frontier, s)
			}
		}

		if len(frontier) == 0 {
			if len(pending) > 0 {
				// Remaining steps have no satisfiable dependency order: a
				// cycle or a dangling reference.
				err := &DeadlockError{WorkflowID: wf.ID, StuckSteps: pending}
				wf.Error = err.Error()
				for _, s := range wf.Steps {
					if s.Status == model.StepPending {
						s.Status = model.StepSkipped
					}
				}
				c.mu.Unlock()
				c.logger.Error("workflow: dependency deadlock",
					"workflow_id", wf.ID, "stuck_steps", pending)
				c.finish(ctx, wf)
				return
			}
			c.mu.Unlock()
			c.finish(ctx, wf)
			return
		}

		start := time.Now().UTC()
		for _, s := range frontier {
			s.Status = model.StepRunning
			t := start
			s.StartTime = &t
		}
		c.mu.Unlock()

		g, _ := errgroup.WithContext(ctx)
		for _, step := range frontier {
			g.Go(func() error {
				c.runStep(ctx, wf, step)
				return nil
			})
		}
		g.Wait()
	}
}

// cascadeSkipsLocked marks pending steps skipped when a dependency ended in
// failure or was itself skipped; they can never become runnable. Iterates to a
// fixpoint so skips propagate down chains. Caller holds mu.
func (c *Coordinator) cascadeSkipsLocked(wf *model.Workflow) {
	for {
		changed := false
		for _, s := range wf.Steps {
			if s.Status != model.StepPending {
				continue
			}
			for _, dep := range s.Dependencies {
				d := wf.Step(dep)
				if d != nil && d.Status.Terminal() && d.Status != model.StepCompleted {
					s.Status = model.StepSkipped
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

func (c *Coordinator) depsCompletedLocked(wf *model.Workflow, s *model.WorkflowStep) bool {
	for _, dep := range s.Dependencies {
		d := wf.Step(dep)
		if d == nil || d.Status != model.StepCompleted {
			return false
		}
	}
	return true
}

// runStep runs one step through its executor with a hard per-attempt timeout,
// retrying on error with a fixed delay until the step's retry budget is spent.
func (c *Coordinator) runStep(ctx context.Context, wf *model.Workflow, step *model.WorkflowStep) {
	c.mu.Lock()
	ex := c.executors[step.Executor]
	c.mu.Unlock()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultStepTimeout
	}

	for {
		if ex == nil {
			c.failStep(ctx, wf, step, (&UnknownExecutorError{Executor: step.Executor, Step: step.Name}).Error())
			return
		}

		result, err := c.runAttempt(ctx, ex, step, timeout)
		if err == nil {
			end := time.Now().UTC()
			c.mu.Lock()
			step.Status = model.StepCompleted
			step.Result = result
			step.EndTime = &end
			cancelled := wf.Status == model.WorkflowCancelled
			c.recordStepDurationLocked(wf.Type, step)
			c.mu.Unlock()

			if !cancelled {
				c.publish(ctx, model.EventStepCompleted, map[string]any{
					"workflow_id": wf.ID.String(),
					"step":        step.Name,
				}, model.PriorityNormal)
			}
			return
		}

		c.mu.Lock()
		retries := step.RetryCount
		if retries > 0 {
			step.RetryCount--
		}
		cancelled := wf.Status == model.WorkflowCancelled
		c.mu.Unlock()

		if cancelled {
			return
		}
		if retries <= 0 {
			c.failStep(ctx, wf, step, err.Error())
			return
		}

		c.logger.Warn("workflow: step retrying",
			"workflow_id", wf.ID, "step", step.Name, "retries_left", retries-1, "error", err)
		select {
		case <-ctx.Done():
			c.failStep(ctx, wf, step, ctx.Err().Error())
			return
		case <-c.done:
			c.failStep(ctx, wf, step, "coordinator shutting down")
			return
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

// runAttempt performs a single executor call under the step timeout. Executor
// panics are contained and surfaced as errors.
func (c *Coordinator) runAttempt(ctx context.Context, ex StepExecutor, step *model.WorkflowStep, timeout time.Duration) (result map[string]any, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panicked: %v", r)
			}
		}()
		result, err = ex.ExecuteStep(attemptCtx, step)
	}()

	select {
	case <-done:
		return result, err
	case <-attemptCtx.Done():
		// The executor goroutine may still be running; it owns attemptCtx and
		// is expected to notice the cancellation. The step attempt is over.
		return nil, fmt.Errorf("step %s timed out after %s", step.Name, timeout)
	}
}

func (c *Coordinator) failStep(ctx context.Context, wf *model.Workflow, step *model.WorkflowStep, msg string) {
	end := time.Now().UTC()
	c.mu.Lock()
	step.Status = model.StepFailed
	step.Error = msg
	step.EndTime = &end
	c.recordStepDurationLocked(wf.Type, step)
	c.mu.Unlock()
	c.logger.Error("workflow: step failed",
		"workflow_id", wf.ID, "step", step.Name, "error", msg)
}

// finish resolves the workflow's terminal status, aggregates step results and
// publishes the terminal event.
func (c *Coordinator) finish(ctx context.Context, wf *model.Workflow) {
	now := time.Now().UTC()

	c.mu.Lock()
	var failedSteps []string
	results := make(map[string]any, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.Status == model.StepFailed {
			failedSteps = append(failedSteps, fmt.Sprintf("%s: %s", s.Name, s.Error))
		}
		if s.Result != nil {
			results[s.ID] = s.Result
		}
	}
	if wf.Status != model.WorkflowCancelled {
		if len(failedSteps) == 0 && wf.Error == "" {
			wf.Status = model.WorkflowCompleted
		} else {
			wf.Status = model.WorkflowFailed
			if len(failedSteps) > 0 {
				wf.Error = "failed steps: " + strings.Join(failedSteps, "; ")
			}
		}
	}
	wf.Result = results
	wf.CompletedAt = &now
	status := wf.Status

	ts, ok := c.templateStats[wf.Type]
	if !ok {
		ts = &templateRecord{}
		c.templateStats[wf.Type] = ts
	}
	ts.runs++
	if status == model.WorkflowCompleted {
		ts.completed++
	}
	if wf.StartedAt != nil {
		ts.total += now.Sub(*wf.StartedAt)
	}
	c.mu.Unlock()

	switch status {
	case model.WorkflowCompleted:
		c.completed.Add(ctx, 1)
		c.logger.Info("workflow: completed", "workflow_id", wf.ID, "type", wf.Type)
		c.publish(ctx, model.EventWorkflowCompleted, map[string]any{
			"workflow_id": wf.ID.String(),
			"type":        wf.Type,
		}, model.PriorityNormal)
	case model.WorkflowFailed:
		c.failed.Add(ctx, 1)
		c.logger.Error("workflow: failed", "workflow_id", wf.ID, "type", wf.Type, "error", wf.Error)
		c.publish(ctx, model.EventWorkflowFailed, map[string]any{
			"workflow_id": wf.ID.String(),
			"type":        wf.Type,
			"error":       wf.Error,
		}, model.PriorityHigh)
	}
}

func (c *Coordinator) recordStepDurationLocked(wfType string, step *model.WorkflowStep) {
	if step.StartTime == nil || step.EndTime == nil {
		return
	}
	key := wfType + "/" + step.ID
	sr, ok := c.stepStats[key]
	if !ok {
		sr = &stepRecord{}
		c.stepStats[key] = sr
	}
	sr.count++
	sr.total += step.EndTime.Sub(*step.StartTime)
}

func (c *Coordinator) publish(ctx context.Context, t model.EventType, payload map[string]any, priority model.EventPriority) {
	p := c.eventPublisher()
	if p == nil {
		return
	}
	if _, err := p.PublishEvent(ctx, t, "workflow_coordinator", payload, "", priority); err != nil {
		c.logger.Debug("workflow: event publish failed", "type", t, "error", err)
	}
}

// sortedKeys is a small helper for deterministic iteration in reports.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package workflow implements templated DAG execution: workflows are
// instantiated from registered templates, queued by priority and driven
// frontier-by-frontier, delegating each step to a named executor supplied by
// the host.
package workflow

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/telemetry"
)

// StepExecutor runs one workflow step. The returned map becomes the step's
// result. Executors must honor ctx: the coordinator enforces the step timeout
// through it.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step *model.WorkflowStep) (map[string]any, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, step *model.WorkflowStep) (map[string]any, error)

func (f ExecutorFunc) ExecuteStep(ctx context.Context, step *model.WorkflowStep) (map[string]any, error) {
	return f(ctx, step)
}

// EventPublisher is the narrow slice of the sync coordinator used for workflow
// lifecycle events. Injected to avoid a concrete inter-coordinator dependency.
type EventPublisher interface {
	PublishEvent(ctx context.Context, t model.EventType, source string, payload map[string]any, target string, priority model.EventPriority) (uuid.UUID, error)
}

// UnknownTemplateError reports a workflow type with no registered template.
type UnknownTemplateError struct {
	Type string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("workflow: no template registered for type %q", e.Type)
}

// UnknownExecutorError reports a step naming an executor that is not in the
// registry. Raised at workflow creation, before anything is queued.
type UnknownExecutorError struct {
	Executor string
	Step     string
}

func (e *UnknownExecutorError) Error() string {
	return fmt.Sprintf("workflow: step %q names unknown executor %q", e.Step, e.Executor)
}

// DeadlockError reports a frontier that cannot advance: steps remain pending
// but none has its dependencies satisfied. This is a cyclic or dangling
// dependency graph.
type DeadlockError struct {
	WorkflowID uuid.UUID
	StuckSteps []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("workflow %s: dependency deadlock, stuck steps %v", e.WorkflowID, e.StuckSteps)
}

// StateError reports a lifecycle operation applied in the wrong state.
type StateError struct {
	WorkflowID uuid.UUID
	Op         string
	Status     model.WorkflowStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("workflow %s: cannot %s in status %s", e.WorkflowID, e.Op, e.Status)
}

// Config tunes execution.
type Config struct {
	MaxConcurrent      int           // simultaneously executing workflows
	DefaultStepTimeout time.Duration // applied when a step has none
	RetryDelay         time.Duration // fixed pause between step retries
	DispatchInterval   time.Duration // executor loop wake-up period
	OptimizeInterval   time.Duration
	CleanupInterval    time.Duration
	Retention          time.Duration // terminal workflows kept this long
	SlowStepThreshold  time.Duration // average duration that flags a step
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	if c.OptimizeInterval <= 0 {
		c.OptimizeInterval = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SlowStepThreshold <= 0 {
		c.SlowStepThreshold = 5 * time.Minute
	}
	return c
}

// stepRecord accumulates duration samples for one template/step pair.
type stepRecord struct {
	count int64
	total time.Duration
}

// templateRecord accumulates outcomes for one template.
type templateRecord struct {
	runs      int64
	completed int64
	total     time.Duration
}

// Coordinator is the workflow coordinator.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	publisher EventPublisher

	mu        sync.Mutex
	templates map[string]model.WorkflowTemplate
	executors map[string]StepExecutor
	workflows map[uuid.UUID]*model.Workflow
	queue     workflowQueue
	seq       int64
	running   int

	stepStats     map[string]*stepRecord // "<type>/<step>"
	templateStats map[string]*templateRecord

	notify   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a workflow coordinator.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	meter := telemetry.Meter("chousei/workflow")
	started, _ := meter.Int64Counter("chousei.workflows.started")
	completed, _ := meter.Int64Counter("chousei.workflows.completed")
	failed, _ := meter.Int64Counter("chousei.workflows.failed")

	return &Coordinator{
		cfg:           cfg.withDefaults(),
		logger:        logger,
		templates:     make(map[string]model.WorkflowTemplate),
		executors:     make(map[string]StepExecutor),
		workflows:     make(map[uuid.UUID]*model.Workflow),
		stepStats:     make(map[string]*stepRecord),
		templateStats: make(map[string]*templateRecord),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		started:       started,
		completed:     completed,
		failed:        failed,
	}
}

// SetPublisher injects the event-bus slice used for lifecycle events.
func (c *Coordinator) SetPublisher(p EventPublisher) {
	c.mu.Lock()
	c.publisher = p
	c.mu.Unlock()
}

// Start launches the dispatch, optimizer and cleanup loops.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(3)
	go c.dispatchLoop(ctx)
	go c.optimizeLoop(ctx)
	go c.cleanupLoop(ctx)
}

// Stop signals the loops and waits for them and any in-flight executions.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// RegisterTemplate validates and stores a template. Dependencies must
// reference step names within the same template; duplicates are rejected.
func (c *Coordinator) RegisterTemplate(t model.WorkflowTemplate) error {
	if t.Type == "" {
		return fmt.Errorf("workflow: template type required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("workflow: template %s has no steps", t.Type)
	}
	names := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow: template %s has an unnamed step", t.Type)
		}
		if s.Executor == "" {
			return fmt.Errorf("workflow: template %s step %s has no executor", t.Type, s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("workflow: template %s has duplicate step %s", t.Type, s.Name)
		}
		names[s.Name] = true
	}
	for _, s := range t.Steps {
		for _, dep := range s.Dependencies {
			if !names[dep] {
				return fmt.Errorf("workflow: template %s step %s depends on unknown step %s", t.Type, s.Name, dep)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.Type] = t
	return nil
}

// RegisterExecutor binds a name to an executor implementation.
func (c *Coordinator) RegisterExecutor(name string, ex StepExecutor) error {
	if name == "" {
		return fmt.Errorf("workflow: executor name required")
	}
	if ex == nil {
		return fmt.Errorf("workflow: executor %s is nil", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[name] = ex
	return nil
}

// Templates lists the registered templates sorted by type.
func (c *Coordinator) Templates() []model.WorkflowTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.WorkflowTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CreateWorkflow instantiates a template, resolves every step's executor and
// enqueues the workflow by priority. The ID returns immediately; execution is
// asynchronous.
func (c *Coordinator) CreateWorkflow(ctx context.Context, wfType string, params map[string]any, priority int) (uuid.UUID, error) {
	c.mu.Lock()
	tmpl, ok := c.templates[wfType]
	if !ok {
		c.mu.Unlock()
		return uuid.Nil, &UnknownTemplateError{Type: wfType}
	}
	for _, def := range tmpl.Steps {
		if _, ok := c.executors[def.Executor]; !ok {
			c.mu.Unlock()
			return uuid.Nil, &UnknownExecutorError{Executor: def.Executor, Step: def.Name}
		}
	}

	wf := tmpl.Instantiate(params, priority)
	c.workflows[wf.ID] = wf
	c.seq++
	heap.Push(&c.queue, &queueItem{id: wf.ID, priority: priority, seq: c.seq})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return wf.ID, nil
}

// GetWorkflow returns a copy of one workflow, steps included.
func (c *Coordinator) GetWorkflow(id uuid.UUID) (model.Workflow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.workflows[id]
	if !ok {
		return model.Workflow{}, false
	}
	return copyWorkflowLocked(wf), true
}

// Workflows lists workflows, optionally filtered by status, newest first.
func (c *Coordinator) Workflows(status model.WorkflowStatus) []model.Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Workflow
	for _, wf := range c.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		out = append(out, copyWorkflowLocked(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel cancels a running workflow. Steps already dispatched keep running in
// their executors (cancellation is cooperative) but are marked skipped in the
// bookkeeping; the frontier loop stops before starting more.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	wf, ok := c.workflows[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("workflow: %s not found", id)
	}
	if wf.Status != model.WorkflowRunning {
		st := wf.Status
		c.mu.Unlock()
		return &StateError{WorkflowID: id, Op: "cancel", Status: st}
	}
	wf.Status = model.WorkflowCancelled
	now := time.Now().UTC()
	wf.CompletedAt = &now
	for _, s := range wf.Steps {
		if s.Status == model.StepRunning || s.Status == model.StepPending {
			s.Status = model.StepSkipped
		}
	}
	c.mu.Unlock()

	c.logger.Info("workflow: cancelled", "workflow_id", id)
	return nil
}

// Pause marks a running workflow paused. Advisory: the frontier loop stops
// starting new frontiers until Resume.
func (c *Coordinator) Pause(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.workflows[id]
	if !ok {
		return fmt.Errorf("workflow: %s not found", id)
	}
	if wf.Status != model.WorkflowRunning {
		return &StateError{WorkflowID: id, Op: "pause", Status: wf.Status}
	}
	wf.Status = model.WorkflowPaused
	return nil
}

// Resume returns a paused workflow to running.
func (c *Coordinator) Resume(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wf, ok := c.workflows[id]
	if !ok {
		return fmt.Errorf("workflow: %s not found", id)
	}
	if wf.Status != model.WorkflowPaused {
		return &StateError{WorkflowID: id, Op: "resume", Status: wf.Status}
	}
	wf.Status = model.WorkflowRunning
	return nil
}

// Metrics summarizes workflow counts by status for the management API.
func (c *Coordinator) Metrics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	byStatus := make(map[string]int)
	for _, wf := range c.workflows {
		byStatus[string(wf.Status)]++
	}
	return map[string]any{
		"total":     len(c.workflows),
		"by_status": byStatus,
		"queued":    c.queue.Len(),
		"running":   c.running,
	}
}

func (c *Coordinator) eventPublisher() EventPublisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisher
}

func copyWorkflowLocked(wf *model.Workflow) model.Workflow {
	out := *wf
	out.Steps = make([]*model.WorkflowStep, len(wf.Steps))
	for i, s := range wf.Steps {
		step := *s
		out.Steps[i] = &step
	}
	return out
}

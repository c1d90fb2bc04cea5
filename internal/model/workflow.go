package model

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished (successfully or not).
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowPaused    WorkflowStatus = "paused"
)

// Terminal reports whether the workflow has finished.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// WorkflowStep is a single unit of work, executed by a named executor resolved
// through the host-supplied registry.
type WorkflowStep struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Executor     string         `json:"executor"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	RetryCount   int            `json:"retry_count"`
	Status       StepStatus     `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
}

// Workflow is an instantiated step graph being driven to completion.
type Workflow struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	Steps       []*WorkflowStep `json:"steps"`
	Status      WorkflowStatus `json:"status"`
	Priority    int            `json:"priority"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(id string) *WorkflowStep {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepDefinition is one template entry, expanded into a WorkflowStep at
// instantiation time.
type StepDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Executor     string         `json:"executor"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	Retries      int            `json:"retries"`
}

// WorkflowTemplate binds a named static list of step definitions. Instantiate
// merges template-level parameters with call-time parameters (call-time wins)
// into every step.
type WorkflowTemplate struct {
	Type        string           `json:"type"`
	Description string           `json:"description,omitempty"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	Steps       []StepDefinition `json:"steps"`
}

// Instantiate expands the template into a runnable workflow. Step IDs are the
// step names; dependencies reference names within the same template.
func (t WorkflowTemplate) Instantiate(params map[string]any, priority int) *Workflow {
	merged := make(map[string]any, len(t.Parameters)+len(params))
	for k, v := range t.Parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	steps := make([]*WorkflowStep, 0, len(t.Steps))
	for _, def := range t.Steps {
		stepParams := make(map[string]any, len(def.Parameters)+len(merged))
		for k, v := range merged {
			stepParams[k] = v
		}
		for k, v := range def.Parameters {
			stepParams[k] = v
		}
		steps = append(steps, &WorkflowStep{
			ID:           def.Name,
			Name:         def.Name,
			Executor:     def.Executor,
			Parameters:   stepParams,
			Dependencies: append([]string(nil), def.Dependencies...),
			Timeout:      def.Timeout,
			RetryCount:   def.Retries,
			Status:       StepPending,
		})
	}

	return &Workflow{
		ID:         uuid.New(),
		Type:       t.Type,
		Steps:      steps,
		Status:     WorkflowPending,
		Priority:   priority,
		Parameters: merged,
		CreatedAt:  time.Now().UTC(),
	}
}

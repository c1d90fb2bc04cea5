package chousei

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// State synchronization
// ---------------------------------------------------------------------------

// StateSnapshot is a versioned snapshot of one component's state.
type StateSnapshot struct {
	ComponentID string         `json:"component_id"`
	StateData   map[string]any `json:"state_data"`
	Version     int64          `json:"version"`
	Timestamp   time.Time      `json:"timestamp"`
	Checksum    string         `json:"checksum"`
}

// ConflictRecord describes a detected and resolved state conflict.
type ConflictRecord struct {
	ID            uuid.UUID      `json:"id"`
	ComponentA    string         `json:"component_a"`
	ComponentB    string         `json:"component_b"`
	Type          string         `json:"conflict_type"`
	Strategy      string         `json:"resolution_strategy"`
	ResolvedState map[string]any `json:"resolved_state"`
	ResolvedAt    time.Time      `json:"resolved_at"`
}

// RegisterComponentRequest registers a component with an optional
// initial state.
type RegisterComponentRequest struct {
	ComponentID  string         `json:"component_id"`
	InitialState map[string]any `json:"initial_state,omitempty"`
}

// UpdateStateRequest replaces a component's state. If Version is set,
// the update is rejected unless it matches the current version.
type UpdateStateRequest struct {
	State   map[string]any `json:"state"`
	Version *int64         `json:"version,omitempty"`
}

// PublishEventRequest enqueues an event on the server's event bus.
// Priority is one of "low", "normal", "high", "critical".
type PublishEventRequest struct {
	Type     string         `json:"event_type"`
	Source   string         `json:"source"`
	Target   string         `json:"target,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// ---------------------------------------------------------------------------
// Resource management
// ---------------------------------------------------------------------------

// ResourceRequirements describes the capacity an allocation asks for.
type ResourceRequirements struct {
	CPUCores    float64       `json:"cpu_cores"`
	MemoryMB    int64         `json:"memory_mb"`
	GPUMemoryMB int64         `json:"gpu_memory_mb"`
	APIQuota    int64         `json:"api_quota"`
	TokenLimit  int64         `json:"token_limit"`
	TTL         time.Duration `json:"ttl"`
}

// ResourceAllocation is a granted allocation.
type ResourceAllocation struct {
	RequestID   string        `json:"request_id"`
	CPUCores    float64       `json:"cpu_cores"`
	MemoryMB    int64         `json:"memory_mb"`
	GPUMemoryMB int64         `json:"gpu_memory_mb"`
	APIQuota    int64         `json:"api_quota"`
	TokenLimit  int64         `json:"token_limit"`
	AllocatedAt time.Time     `json:"allocated_at"`
	TTL         time.Duration `json:"ttl"`
}

// APIQuota holds sliding-window limits and current usage for one
// external service.
type APIQuota struct {
	ServiceName       string `json:"service_name"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
	RequestsPerHour   int64  `json:"requests_per_hour"`
	RequestsPerDay    int64  `json:"requests_per_day"`
	TokensPerMinute   int64  `json:"tokens_per_minute"`

	CurrentMinuteRequests int64 `json:"current_minute_requests"`
	CurrentHourRequests   int64 `json:"current_hour_requests"`
	CurrentDayRequests    int64 `json:"current_day_requests"`
	CurrentMinuteTokens   int64 `json:"current_minute_tokens"`
}

// OptimizationSuggestion is an advisory produced by the server's
// optimization passes.
type OptimizationSuggestion struct {
	Kind            string  `json:"kind"`
	Target          string  `json:"target"`
	Detail          string  `json:"detail"`
	ProjectedSaving float64 `json:"projected_saving_usd,omitempty"`
}

// AllocateRequest is the body for an allocation request.
type AllocateRequest struct {
	RequestID    string               `json:"request_id"`
	Requirements ResourceRequirements `json:"requirements"`
}

// ConsumeQuotaRequest records consumption against a service quota.
type ConsumeQuotaRequest struct {
	Requests  int    `json:"requests"`
	Tokens    int64  `json:"tokens"`
	RequestID string `json:"request_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Error handling and recovery
// ---------------------------------------------------------------------------

// RecoveryAttempt is one recorded recovery execution.
type RecoveryAttempt struct {
	StrategyID string    `json:"strategy_id"`
	Attempt    int       `json:"attempt"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ErrorRecord is a reported error together with its recovery history.
type ErrorRecord struct {
	ID               uuid.UUID         `json:"id"`
	ErrorType        string            `json:"error_type"`
	Severity         int               `json:"severity"`
	Message          string            `json:"message"`
	StackTrace       string            `json:"stack_trace,omitempty"`
	Component        string            `json:"component"`
	Context          map[string]any    `json:"context,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Resolved         bool              `json:"resolved"`
	ResolutionTime   *time.Time        `json:"resolution_time,omitempty"`
	RecoveryStatus   string            `json:"recovery_status"`
	RecoveryAttempts []RecoveryAttempt `json:"recovery_attempts,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
}

// RecoveryStrategy describes a registered recovery strategy.
type RecoveryStrategy struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	ApplicableErrors    []string      `json:"applicable_errors"`
	SeverityThreshold   int           `json:"severity_threshold"`
	AutoRetry           bool          `json:"auto_retry"`
	MaxAttempts         int           `json:"max_attempts"`
	Delay               time.Duration `json:"delay"`
	EscalationThreshold time.Duration `json:"escalation_threshold"`
}

// Notification is an alert delivered through a notification channel.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	RuleID    string    `json:"rule_id"`
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
}

// ReportErrorRequest is the body for reporting an error.
// Severity is one of "info", "warning", "error", "critical", "fatal".
type ReportErrorRequest struct {
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Component string         `json:"component"`
	Severity  string         `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

// Workflow statuses as returned by the server.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowPaused    = "paused"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// WorkflowStep is one node of a workflow's dependency graph.
type WorkflowStep struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Executor     string         `json:"executor"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	RetryCount   int            `json:"retry_count"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
}

// Workflow is a running or finished workflow instance.
type Workflow struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Steps       []*WorkflowStep `json:"steps"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StepDefinition is a template step before parameter substitution.
type StepDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Executor     string         `json:"executor"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
	Retries      int            `json:"retries"`
}

// WorkflowTemplate is a named, parameterized workflow definition.
type WorkflowTemplate struct {
	Type        string           `json:"type"`
	Description string           `json:"description,omitempty"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	Steps       []StepDefinition `json:"steps"`
}

// CreateWorkflowRequest instantiates a template as a new workflow.
type CreateWorkflowRequest struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority"`
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

// HealthStatus is the response from GET /health.
type HealthStatus struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

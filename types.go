package chousei

import (
	"time"

	"github.com/google/uuid"
)

// Step is the public view of a workflow step handed to a StepExecutor.
// It is a curated copy of the internal step record; mutating it has no
// effect on the running workflow.
type Step struct {
	ID           string
	Name         string
	Executor     string
	Parameters   map[string]any
	Dependencies []string
	Timeout      time.Duration
	Retries      int
}

// StepSpec declares one step of a workflow template. Dependencies reference
// other step names within the same template.
type StepSpec struct {
	Name         string
	Description  string
	Executor     string
	Parameters   map[string]any
	Dependencies []string
	Timeout      time.Duration
	Retries      int
}

// Template is a named, reusable workflow definition. Parameters are defaults
// merged under the per-instance parameters at creation time.
type Template struct {
	Type        string
	Description string
	Parameters  map[string]any
	Steps       []StepSpec
}

// Strategy declares a recovery strategy: which errors it covers and how its
// retry loop behaves. The action is supplied separately to RegisterStrategy.
type Strategy struct {
	ID                  string
	Name                string
	ApplicableErrors    []string
	SeverityThreshold   string // info | warning | error | critical | fatal
	MaxAttempts         int
	Delay               time.Duration
	EscalationThreshold time.Duration

	// ManualOnly suppresses automatic retries: the strategy only runs when
	// recovery is retried explicitly. The zero value keeps auto-retry on.
	ManualOnly bool
}

// AlertRule fires notifications when its condition holds over the error
// window. Condition is a restricted boolean expression over error statistics
// (error_rate, total_errors, component_errors, severity, recovery_attempts).
type AlertRule struct {
	ID                string
	Name              string
	Condition         string
	SeverityThreshold string
	TimeWindow        time.Duration
	MaxOccurrences    int
	Channels          []string

	// Disabled registers the rule without evaluating it, so it can be kept
	// in a catalogue and switched on later. The zero value is enabled.
	Disabled bool
}

// Notification is one dispatched alert delivered to a Notifier.
type Notification struct {
	ID      uuid.UUID
	RuleID  string
	Channel string
	Subject string
	Body    string
	SentAt  time.Time
}

// SystemSample is one OS utilization reading returned by a Probe.
type SystemSample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsedMB  int64
	Taken         time.Time
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// EventPriority orders delivery urgency. HIGH and CRITICAL events receive an
// immediate out-of-band broadcast at publish time in addition to queued delivery.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority.
func (p EventPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseEventPriority maps a wire name to a priority. Unknown names map to
// NORMAL.
func ParseEventPriority(s string) EventPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// EventType categorizes bus events.
type EventType string

const (
	// State lifecycle events.
	EventStateChanged  EventType = "state_changed"
	EventStateRollback EventType = "state_rollback"

	// Component bookkeeping events.
	EventComponentRegistered   EventType = "component_registered"
	EventComponentUnregistered EventType = "component_unregistered"
	EventComponentStale        EventType = "component_stale"

	// Workflow lifecycle events.
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventStepCompleted     EventType = "step_completed"

	// Resource events.
	EventResourceAllocated EventType = "resource_allocated"
	EventResourceReleased  EventType = "resource_released"
	EventQuotaExceeded     EventType = "quota_exceeded"

	// Error/recovery events.
	EventErrorReported   EventType = "error_reported"
	EventErrorRecovered  EventType = "error_recovered"
	EventErrorEscalated  EventType = "error_escalated"
	EventAlertTriggered  EventType = "alert_triggered"
)

// Event is a message on the coordination bus. Immutable after creation except
// RetryCount, which the delivery loop decrements when redelivering a CRITICAL
// event whose handlers all failed.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       EventType      `json:"type"`
	Source     string         `json:"source"`
	Target     string         `json:"target,omitempty"`
	Payload    map[string]any `json:"payload"`
	Priority   EventPriority  `json:"priority"`
	Timestamp  time.Time      `json:"timestamp"`
	TTL        time.Duration  `json:"ttl"`
	RetryCount int            `json:"retry_count"`
}

// NewEvent constructs an event with a fresh ID and the default CRITICAL retry budget.
func NewEvent(t EventType, source string, payload map[string]any, target string, priority EventPriority, ttl time.Duration) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       t,
		Source:     source,
		Target:     target,
		Payload:    payload,
		Priority:   priority,
		Timestamp:  time.Now().UTC(),
		TTL:        ttl,
		RetryCount: 3,
	}
}

// Expired reports whether the event's TTL has elapsed. A zero TTL never expires.
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.TTL))
}

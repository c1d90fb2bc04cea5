package model

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Severity grades an error report.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

// String returns the wire name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a wire name back to a Severity. Unknown names map to
// SeverityError rather than failing, so a bad filter degrades loudly not fatally.
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	case "fatal":
		return SeverityFatal
	default:
		return SeverityError
	}
}

// LogLevel maps severity onto the slog level used when the record is logged.
func (s Severity) LogLevel() slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// RecoveryStatus is the terminal disposition of a recovery attempt sequence.
type RecoveryStatus string

const (
	RecoveryPending        RecoveryStatus = "pending"
	RecoveryInProgress     RecoveryStatus = "in_progress"
	RecoveryResolved       RecoveryStatus = "resolved"
	RecoveryManualRequired RecoveryStatus = "manual_required"
	RecoveryEscalated      RecoveryStatus = "escalated"
)

// RecoveryAttempt records one strategy attempt against an error.
type RecoveryAttempt struct {
	StrategyID string    `json:"strategy_id"`
	Attempt    int       `json:"attempt"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ErrorRecord is one reported error. Created on every intake call and mutated
// in place by the recovery pipeline (never replaced) so alert correlation keeps
// a stable identity.
type ErrorRecord struct {
	ID               uuid.UUID         `json:"id"`
	ErrorType        string            `json:"error_type"`
	Severity         Severity          `json:"severity"`
	Message          string            `json:"message"`
	StackTrace       string            `json:"stack_trace,omitempty"`
	Component        string            `json:"component"`
	Context          map[string]any    `json:"context,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Resolved         bool              `json:"resolved"`
	ResolutionTime   *time.Time        `json:"resolution_time,omitempty"`
	RecoveryStatus   RecoveryStatus    `json:"recovery_status"`
	RecoveryAttempts []RecoveryAttempt `json:"recovery_attempts,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
}

// AgeMinutes is how long ago the error was reported.
func (e *ErrorRecord) AgeMinutes(now time.Time) float64 {
	return now.Sub(e.Timestamp).Minutes()
}

// HasTag reports whether the record carries the given tag.
func (e *ErrorRecord) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagSilent marks errors that are expected (e.g. validation failures) and must
// not reach alert or notification channels.
const TagSilent = "silent"

// RecoveryStrategy is one entry in the static recovery catalogue, configured at
// startup. Catalogue order is priority order.
type RecoveryStrategy struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	ApplicableErrors    []string      `json:"applicable_errors"`
	SeverityThreshold   Severity      `json:"severity_threshold"`
	AutoRetry           bool          `json:"auto_retry"`
	MaxAttempts         int           `json:"max_attempts"`
	Delay               time.Duration `json:"delay"`
	EscalationThreshold time.Duration `json:"escalation_threshold"`
}

// AppliesTo reports whether the strategy covers the record's type and severity.
func (s RecoveryStrategy) AppliesTo(rec *ErrorRecord) bool {
	if rec.Severity < s.SeverityThreshold {
		return false
	}
	for _, t := range s.ApplicableErrors {
		if t == rec.ErrorType {
			return true
		}
	}
	return false
}

// AlertRule is one entry in the static alert catalogue, evaluated against a
// rolling window of error records. Condition is a restricted boolean expression
// over a fixed variable set; it is compiled and validated at registration.
type AlertRule struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Condition         string        `json:"condition"`
	SeverityThreshold Severity      `json:"severity_threshold"`
	TimeWindow        time.Duration `json:"time_window"`
	MaxOccurrences    int           `json:"max_occurrences"`
	Channels          []string      `json:"notification_channels"`
	Enabled           bool          `json:"enabled"`
}

// Notification is one dispatched alert, retained for 7 days.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	RuleID    string    `json:"rule_id"`
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
}

package model

import "time"

// APIResponse is the standard envelope for successful responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard envelope for error responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeQueueFull     = "QUEUE_FULL"
	ErrCodeInsufficient  = "INSUFFICIENT_RESOURCES"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// RegisterComponentRequest is the body for POST /v1/sync/register.
type RegisterComponentRequest struct {
	ComponentID  string         `json:"component_id"`
	InitialState map[string]any `json:"initial_state,omitempty"`
}

// UpdateStateRequest is the body for POST /v1/sync/state/{id}.
type UpdateStateRequest struct {
	State   map[string]any `json:"state"`
	Version *int64         `json:"version,omitempty"`
}

// RollbackRequest is the body for POST /v1/sync/rollback/{id}.
type RollbackRequest struct {
	TargetVersion int64 `json:"target_version"`
}

// PublishEventRequest is the body for POST /v1/sync/events.
type PublishEventRequest struct {
	Type     EventType      `json:"event_type"`
	Source   string         `json:"source"`
	Target   string         `json:"target,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// AllocateRequest is the body for POST /v1/resource/allocate.
type AllocateRequest struct {
	RequestID    string               `json:"request_id"`
	Requirements ResourceRequirements `json:"requirements"`
}

// ConsumeQuotaRequest is the body for POST /v1/resource/quota/{service}/consume.
type ConsumeQuotaRequest struct {
	Requests  int    `json:"requests"`
	Tokens    int64  `json:"tokens"`
	RequestID string `json:"request_id,omitempty"`
}

// ReportErrorRequest is the body for POST /v1/errors.
type ReportErrorRequest struct {
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Component string         `json:"component"`
	Severity  string         `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// CreateWorkflowRequest is the body for POST /v1/workflows.
type CreateWorkflowRequest struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority"`
}

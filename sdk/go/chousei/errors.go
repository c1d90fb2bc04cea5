// Package chousei provides a Go client for the Chousei coordination API.
package chousei

import (
	"errors"
	"fmt"
)

// Error represents an error from the Chousei API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chousei: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
// This covers both server-side rate limiting and exhausted API quotas;
// use IsQuotaExceeded to distinguish the latter.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsQuotaExceeded returns true if a sliding-window API quota was exhausted.
func IsQuotaExceeded(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "QUOTA_EXCEEDED"
	}
	return false
}

// IsInsufficientResources returns true if an allocation was rejected
// because the requested capacity is not available.
func IsInsufficientResources(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INSUFFICIENT_RESOURCES"
	}
	return false
}

// IsQueueFull returns true if the server's event queue rejected the request.
func IsQueueFull(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "QUEUE_FULL"
	}
	return false
}

// IsInvalidInput returns true if the request body failed validation.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400 || e.StatusCode == 413
	}
	return false
}

// IsServerError returns true for 5xx responses.
func IsServerError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode >= 500
	}
	return false
}

package quotaguard

import (
	"errors"
	"fmt"
)

// Errors for use with errors.Is.
var (
	// ErrRateLimited is returned when the server denies a check.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerUnreachable is returned when the server cannot be contacted
	// and the client fails closed.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned for non-2xx responses other than a denied check.
type APIError struct {
	StatusCode int
	// Message is the server's error field, or the raw body.
	Message string

	decision *Decision
}

// Error returns the error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("quotaguard: server returned %d: %s", e.StatusCode, e.Message)
}

// RateLimitedError carries the denied decision.
type RateLimitedError struct {
	Decision Decision
}

// Error returns a human-readable description of the denial.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %ds, level %s)",
		e.Decision.ViolationReason, e.RetryAfterSeconds(), e.Decision.EscalationLevel)
}

// RetryAfterSeconds returns the retry hint, at least 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	if e.Decision.RetryAfterSeconds == nil || *e.Decision.RetryAfterSeconds < 1 {
		return 1
	}
	return *e.Decision.RetryAfterSeconds
}

// Is supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerUnreachableError is returned when the server cannot be contacted.
type ServerUnreachableError struct {
	Cause error
}

// Error returns a human-readable description of the failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}

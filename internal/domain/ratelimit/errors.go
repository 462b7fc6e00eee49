package ratelimit

import "errors"

var (
	// ErrInvalidCallerIdentity is returned when no bucket key can be formed for a caller.
	// It is the only error surfaced to callers of a check.
	ErrInvalidCallerIdentity = errors.New("invalid caller identity")

	// ErrStoreTimeout indicates that a counter store did not answer within its budget.
	ErrStoreTimeout = errors.New("counter store timeout")

	// ErrStoreUnavailable indicates that neither the primary nor the fallback store could serve a call.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrStoreRejected indicates that a store answered but refused the command or
	// returned data that cannot be decoded. The store itself is reachable.
	ErrStoreRejected = errors.New("counter store rejected the call")
)

// IdentityError describes why a caller identity or endpoint class was rejected.
type IdentityError struct {
	Field  string
	Reason string
}

func (e *IdentityError) Error() string {
	return "invalid caller identity: " + e.Field + " " + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidCallerIdentity.
func (e *IdentityError) Unwrap() error {
	return ErrInvalidCallerIdentity
}

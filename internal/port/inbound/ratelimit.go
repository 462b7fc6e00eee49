// Package inbound defines the inbound port interfaces for the rate limiting core.
// Inbound adapters (HTTP, CLI) call these interfaces.
package inbound

import (
	"context"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

// CheckRequest identifies one request to admit or deny.
type CheckRequest struct {
	Caller        ratelimit.CallerIdentity
	EndpointClass string
	// ResourceID is the requested resource, if any. It only feeds pattern heuristics.
	ResourceID string
}

// RateLimitService is the inbound port for the rate limiting core.
type RateLimitService interface {
	// CheckAndRecord admits or denies one request and records its usage.
	// The only error it returns is ratelimit.ErrInvalidCallerIdentity; store
	// failures become deny decisions.
	CheckAndRecord(ctx context.Context, req CheckRequest) (ratelimit.Decision, error)

	// Quota reads current usage per window without recording anything.
	Quota(ctx context.Context, caller ratelimit.CallerIdentity, endpointClass string) ([]ratelimit.WindowResult, error)

	// AbuseStatus returns the escalation state of a (caller, endpoint class) pair.
	AbuseStatus(ctx context.Context, callerID, endpointClass string) (abuse.Status, error)

	// ResetAbuse returns a pair to the clean level.
	ResetAbuse(ctx context.Context, caller ratelimit.CallerIdentity, endpointClass string) error
}

// PolicyAdmin is the inbound port for policy management.
type PolicyAdmin interface {
	// Reload re-reads the policy source and swaps the active snapshot.
	Reload(ctx context.Context) (fingerprint string, err error)

	// Fingerprint identifies the active snapshot.
	Fingerprint() string
}

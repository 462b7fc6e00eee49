// Package ratelimit provides the fixed-window rate limiting domain: windows,
// bucket keys, effective limits, decisions and the multi-window limiter.
package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// Window identifies one of the fixed accounting intervals.
type Window string

const (
	// WindowMinute is a one-minute window.
	WindowMinute Window = "minute"
	// WindowHour is a one-hour window.
	WindowHour Window = "hour"
	// WindowDay is a calendar-day window in the policy timezone.
	WindowDay Window = "day"
)

// Windows lists every window in ascending size. Limiter checks always cover all of them.
var Windows = []Window{WindowMinute, WindowHour, WindowDay}

// Duration returns the nominal length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Start returns the start of the window containing t.
// Minute and hour windows are epoch aligned; day windows start at midnight in t's location.
func (w Window) Start(t time.Time) time.Time {
	if w == WindowDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	return t.Truncate(w.Duration())
}

// End returns the exclusive end of the window that begins at start.
// Day windows use calendar arithmetic so DST transitions yield 23h or 25h days.
func (w Window) End(start time.Time) time.Time {
	if w == WindowDay {
		return start.AddDate(0, 0, 1)
	}
	return start.Add(w.Duration())
}

// ExceededReason is the violation reason reported when this window denies a request.
func (w Window) ExceededReason() string {
	return string(w) + "_exceeded"
}

// Valid reports whether w is a known window.
func (w Window) Valid() bool {
	return w == WindowMinute || w == WindowHour || w == WindowDay
}

// Violation reasons that are not tied to a single window.
const (
	ReasonServiceDegraded   = "service_degraded"
	ReasonStoreRejected     = "store_rejected"
	ReasonAbuseShortBlock   = "abuse_short_block"
	ReasonAbuseLongBlock    = "abuse_long_block"
	ReasonAbuseManualReview = "abuse_manual_review"
)

// EffectiveLimits are the resolved per-window ceilings and per-call cost for one request.
type EffectiveLimits struct {
	Minute int64
	Hour   int64
	Day    int64
	Cost   int64
}

// Ceiling returns the limit for the given window.
func (l EffectiveLimits) Ceiling(w Window) int64 {
	switch w {
	case WindowMinute:
		return l.Minute
	case WindowHour:
		return l.Hour
	case WindowDay:
		return l.Day
	default:
		return 0
	}
}

// CallerIdentity is the already-authenticated caller supplied by the upstream collaborator.
type CallerIdentity struct {
	// ID is an opaque key: user id, API key or client IP.
	ID string
	// Tier is the resolved subscription tier, e.g. "free" or "premium".
	Tier string
	// Category is the caller category, e.g. a vendor type.
	Category string
}

// MaxIdentityLength bounds caller identifiers so bucket keys stay small.
const MaxIdentityLength = 256

// Validate checks that the identity and endpoint class can form bucket keys.
func (c CallerIdentity) Validate(endpointClass string) error {
	if strings.TrimSpace(c.ID) == "" {
		return &IdentityError{Field: "caller_id", Reason: "must not be empty"}
	}
	if len(c.ID) > MaxIdentityLength {
		return &IdentityError{Field: "caller_id", Reason: fmt.Sprintf("exceeds %d bytes", MaxIdentityLength)}
	}
	if strings.IndexFunc(c.ID, unicode.IsControl) >= 0 {
		return &IdentityError{Field: "caller_id", Reason: "contains control characters"}
	}
	return ValidateEndpointClass(endpointClass)
}

// ValidateEndpointClass checks an endpoint class name: lowercase letters, digits, '.', '_' and '-'.
func ValidateEndpointClass(endpointClass string) error {
	if endpointClass == "" {
		return &IdentityError{Field: "endpoint_class", Reason: "must not be empty"}
	}
	if len(endpointClass) > 64 {
		return &IdentityError{Field: "endpoint_class", Reason: "exceeds 64 bytes"}
	}
	for _, r := range endpointClass {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return &IdentityError{Field: "endpoint_class", Reason: fmt.Sprintf("invalid character %q", r)}
	}
	return nil
}

// keyPrefix is the base prefix for window counter keys.
const keyPrefix = "cnt"

// BucketKey returns the counter key for one (caller, endpoint class, window start) bucket.
// Format: "cnt:{endpoint}:{window}:{startUnix}:{caller}". The caller id goes last
// because it is opaque and may itself contain ':'.
func BucketKey(callerID, endpointClass string, w Window, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", keyPrefix, endpointClass, w, start.Unix(), callerID)
}

// WindowResult is the post-increment state of one window.
type WindowResult struct {
	Window   Window
	Count    int64
	Limit    int64
	ResetAt  time.Time
	Exceeded bool
}

// Remaining returns the quota left in the window, never negative.
func (r WindowResult) Remaining() int64 {
	if r.Count >= r.Limit {
		return 0
	}
	return r.Limit - r.Count
}

// Decision is the immutable outcome of one check.
type Decision struct {
	Allowed           bool
	RemainingByWindow map[Window]int64
	ResetAtByWindow   map[Window]time.Time
	// LimitByWindow holds the effective ceilings the counters were compared with.
	LimitByWindow map[Window]int64
	// RetryAfter is zero when the request was allowed.
	RetryAfter time.Duration
	// ViolationReason is empty when the request was allowed.
	ViolationReason string
	// EscalationLevel is the abuse level observed for the caller, "clean" when none.
	EscalationLevel string
	// Degraded is set when the primary store was bypassed or no store was reachable.
	Degraded bool
}

// RetryAfterSeconds returns the retry hint rounded up to whole seconds, or nil when allowed.
func (d Decision) RetryAfterSeconds() *int {
	if d.Allowed {
		return nil
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &secs
}

// Deny builds a deny decision that did not consult the window counters.
func Deny(reason string, retryAfter time.Duration, level string) Decision {
	return Decision{
		Allowed:           false,
		RemainingByWindow: map[Window]int64{},
		ResetAtByWindow:   map[Window]time.Time{},
		LimitByWindow:     map[Window]int64{},
		RetryAfter:        retryAfter,
		ViolationReason:   reason,
		EscalationLevel:   level,
	}
}

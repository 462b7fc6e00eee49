// Package quotaguard is a Go client for the quotaguard decision API.
//
// It uses only the Go standard library (net/http) so services can embed it
// without pulling in the server's dependencies.
//
// Quick start:
//
//	// Set QUOTAGUARD_SERVER_ADDR, then:
//	client := quotaguard.NewClient()
//
//	d, err := client.Check(ctx, quotaguard.CheckRequest{
//	    CallerID:      "vendor-42",
//	    Tier:          "premium",
//	    EndpointClass: "search",
//	})
//	if err != nil {
//	    var limited *quotaguard.RateLimitedError
//	    if errors.As(err, &limited) {
//	        w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
//	    }
//	}
package quotaguard

import "time"

// CheckRequest identifies one request to admit or deny.
type CheckRequest struct {
	CallerID      string `json:"caller_id"`
	Tier          string `json:"tier,omitempty"`
	Category      string `json:"category,omitempty"`
	EndpointClass string `json:"endpoint_class"`
	// ResourceID feeds the server's enumeration heuristics.
	ResourceID string `json:"resource_id,omitempty"`
}

// Window is the state of one accounting window.
type Window struct {
	Limit     int64     `json:"limit,omitempty"`
	Used      int64     `json:"used,omitempty"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Decision is the server's answer to a check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Windows is keyed by "minute", "hour" and "day". Empty on block and
	// degraded denials.
	Windows           map[string]Window `json:"windows"`
	RetryAfterSeconds *int              `json:"retry_after_seconds"`
	ViolationReason   string            `json:"violation_reason,omitempty"`
	EscalationLevel   string            `json:"escalation_level"`
	Degraded          bool              `json:"degraded"`
}

// Quota is the current usage of a caller on an endpoint class.
type Quota struct {
	CallerID      string            `json:"caller_id"`
	EndpointClass string            `json:"endpoint_class"`
	Windows       map[string]Window `json:"windows"`
}

// AbuseStatus is the escalation state of a caller on an endpoint class.
type AbuseStatus struct {
	CallerID       string     `json:"caller_id"`
	EndpointClass  string     `json:"endpoint_class"`
	Level          string     `json:"level"`
	Classification string     `json:"classification"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	Violations     int        `json:"violations"`
	LastViolation  *time.Time `json:"last_violation,omitempty"`
	LastReason     string     `json:"last_reason,omitempty"`
}

// Package audit defines the decision and escalation events this engine emits
// for external consumers (billing hints, notifications, dashboards, audit logs).
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	// KindDeny is emitted for every denied request.
	KindDeny Kind = "rate_limit.deny"
	// KindEscalation is emitted for every escalation level change, including resets to clean.
	KindEscalation Kind = "abuse.escalation"
	// KindManualReview is emitted when a pair is flagged for human follow-up.
	KindManualReview Kind = "abuse.manual_review"
)

// Decision values carried by events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Event is an immutable record handed to the event sink.
type Event struct {
	ID                string    `json:"id"`
	Kind              Kind      `json:"kind"`
	CallerIdentity    string    `json:"caller_identity"`
	Tier              string    `json:"tier,omitempty"`
	Category          string    `json:"category,omitempty"`
	EndpointClass     string    `json:"endpoint_class"`
	Decision          string    `json:"decision"`
	EscalationLevel   string    `json:"escalation_level"`
	PreviousLevel     string    `json:"previous_level,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Subject identifies who an event is about.
type Subject struct {
	CallerIdentity string
	Tier           string
	Category       string
	EndpointClass  string
}

func newEvent(kind Kind, s Subject, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           kind,
		CallerIdentity: s.CallerIdentity,
		Tier:           s.Tier,
		Category:       s.Category,
		EndpointClass:  s.EndpointClass,
		Timestamp:      at.UTC(),
	}
}

// NewDenyEvent builds a deny event.
func NewDenyEvent(s Subject, level, reason string, retryAfterSeconds int, degraded bool, at time.Time) Event {
	e := newEvent(KindDeny, s, at)
	e.Decision = DecisionDeny
	e.EscalationLevel = level
	e.Reason = reason
	e.RetryAfterSeconds = retryAfterSeconds
	e.Degraded = degraded
	return e
}

// NewEscalationEvent builds a level-change event. decision is the outcome of
// the request that caused the change.
func NewEscalationEvent(s Subject, from, to, reason, decision string, at time.Time) Event {
	e := newEvent(KindEscalation, s, at)
	e.Decision = decision
	e.PreviousLevel = from
	e.EscalationLevel = to
	e.Reason = reason
	return e
}

// NewManualReviewEvent builds a manual-review flag event.
func NewManualReviewEvent(s Subject, from, reason string, at time.Time) Event {
	e := newEvent(KindManualReview, s, at)
	e.Decision = DecisionDeny
	e.PreviousLevel = from
	e.EscalationLevel = "manual_review"
	e.Reason = reason
	return e
}

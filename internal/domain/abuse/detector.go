package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict is returned when a record update kept losing concurrent races.
	ErrConflict = errors.New("violation record update conflict")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	// UpdateViolations implementations pass a zero record to fn instead, so the
	// next write replaces it.
	ErrCorruptRecord = errors.New("corrupt violation record")
)

// UpdateFunc computes the next record from the current one. It may be called
// more than once when the store retries after a concurrent write, so it must
// not have side effects.
type UpdateFunc func(current ViolationRecord) ViolationRecord

// ViolationStore persists violation records.
//
// Interface owned by domain per hexagonal architecture. All mutation goes
// through UpdateViolations, which must apply fn atomically with respect to
// other updates of the same key (compare-and-swap or a server-side transaction).
type ViolationStore interface {
	// LoadViolations returns the record at key, or a zero record when absent.
	LoadViolations(ctx context.Context, key string) (ViolationRecord, error)

	// UpdateViolations atomically replaces the record at key with fn(current)
	// and sets its expiry to ttl.
	UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (ViolationRecord, error)
}

// RecordKey returns the store key for a (caller, endpoint class) pair.
// Format: "abuse:{endpoint}:{caller}".
func RecordKey(callerID, endpointClass string) string {
	return "abuse:" + endpointClass + ":" + callerID
}

// Status is a read-only view of a pair's escalation state.
type Status struct {
	Level          Level
	Classification Classification
	BlockedUntil   time.Time
	Violations     int
	LastViolation  time.Time
	LastReason     string
}

// Blocked reports whether the status carries an active block at now.
func (s Status) Blocked(now time.Time) bool {
	return s.Level.Blocking() && now.Before(s.BlockedUntil)
}

// Transition describes the effect of one recorded violation, a decay or a reset.
type Transition struct {
	From   Level
	To     Level
	Record ViolationRecord
}

// Changed reports whether the level moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Detector owns violation records and applies the escalation ladder.
type Detector struct {
	store  ViolationStore
	policy Policy
}

// NewDetector creates a detector over store.
func NewDetector(store ViolationStore, policy Policy) *Detector {
	return &Detector{store: store, policy: policy}
}

// Policy returns the escalation policy.
func (d *Detector) Policy() Policy {
	return d.policy
}

// RecordTTL is the expiry set on every record write. Decay becomes due at
// most CleanPeriod+LongBlock after the last write, and the record then stays
// readable for another CleanPeriod so the return to Clean is observed by any
// request in that span. A pair first seen after the record expired is
// already Clean and produces no transition.
func (d *Detector) RecordTTL() time.Duration {
	return 2*d.policy.CleanPeriod + d.policy.LongBlock
}

// ReasonCleanPeriod labels the transition back to Clean once a pair stayed
// clean for the policy's clean period.
const ReasonCleanPeriod = "clean_period"

// Status returns the current state of a pair, with clean-period decay applied.
// It does not write. A record that cannot be decoded reads as Clean.
func (d *Detector) Status(ctx context.Context, callerID, endpointClass string, now time.Time) (Status, error) {
	rec, _, err := d.load(ctx, RecordKey(callerID, endpointClass))
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec.Decay(d.policy, now), d.policy, now), nil
}

// Refresh is Status for the request path. When the clean period has returned
// the pair to Clean, or the stored record cannot be decoded, the record is
// rewritten and the resulting transition returned.
func (d *Detector) Refresh(ctx context.Context, callerID, endpointClass string, now time.Time) (Status, Transition, error) {
	key := RecordKey(callerID, endpointClass)
	rec, corrupt, err := d.load(ctx, key)
	if err != nil {
		return Status{}, Transition{}, err
	}
	decayed := rec.Decay(d.policy, now)
	if !corrupt && decayed.Level == rec.Level {
		return statusOf(decayed, d.policy, now), Transition{From: rec.Level, To: rec.Level, Record: decayed}, nil
	}

	var from Level
	next, err := d.store.UpdateViolations(ctx, key, d.RecordTTL(), func(cur ViolationRecord) ViolationRecord {
		from = cur.Level
		return cur.Decay(d.policy, now)
	})
	if err != nil {
		return Status{}, Transition{}, fmt.Errorf("decay violations: %w", err)
	}
	return statusOf(next, d.policy, now), Transition{From: from, To: next.Level, Record: next}, nil
}

func (d *Detector) load(ctx context.Context, key string) (rec ViolationRecord, corrupt bool, err error) {
	rec, err = d.store.LoadViolations(ctx, key)
	if errors.Is(err, ErrCorruptRecord) {
		return ViolationRecord{}, true, nil
	}
	if err != nil {
		return ViolationRecord{}, false, fmt.Errorf("load violations: %w", err)
	}
	return rec, false, nil
}

// RecordViolation appends a violation and escalates the pair.
func (d *Detector) RecordViolation(ctx context.Context, callerID, endpointClass, reason string, now time.Time) (Transition, error) {
	var from Level
	rec, err := d.store.UpdateViolations(ctx, RecordKey(callerID, endpointClass), d.RecordTTL(), func(cur ViolationRecord) ViolationRecord {
		from = cur.Decay(d.policy, now).Level
		return cur.Escalate(d.policy, now, reason)
	})
	if err != nil {
		return Transition{}, fmt.Errorf("update violations: %w", err)
	}
	return Transition{From: from, To: rec.Level, Record: rec}, nil
}

// Reset returns a pair to Clean. Used for operator follow-up on flagged pairs.
func (d *Detector) Reset(ctx context.Context, callerID, endpointClass string) (Transition, error) {
	var from Level
	rec, err := d.store.UpdateViolations(ctx, RecordKey(callerID, endpointClass), d.RecordTTL(), func(cur ViolationRecord) ViolationRecord {
		from = cur.Level
		return ViolationRecord{}
	})
	if err != nil {
		return Transition{}, fmt.Errorf("reset violations: %w", err)
	}
	return Transition{From: from, To: rec.Level, Record: rec}, nil
}

func statusOf(rec ViolationRecord, p Policy, now time.Time) Status {
	cutoff := now.Add(-p.ObservationWindow)
	n := 0
	for _, ts := range rec.Violations {
		if ts.After(cutoff) {
			n++
		}
	}
	return Status{
		Level:          rec.Level,
		Classification: rec.Level.Classify(),
		BlockedUntil:   rec.BlockedUntil,
		Violations:     n,
		LastViolation:  rec.LastViolation,
		LastReason:     rec.LastReason,
	}
}

package abuse

import (
	"time"
)

// maxHistory bounds the stored violation timestamps per record.
const maxHistory = 64

// Policy holds the escalation thresholds and durations.
type Policy struct {
	// ShortBlockThreshold is the violation count within ObservationWindow that starts a short block.
	ShortBlockThreshold int
	// LongBlockThreshold is the violation count that skips straight to a long block.
	LongBlockThreshold int
	ShortBlock         time.Duration
	LongBlock          time.Duration
	ObservationWindow  time.Duration
	// CleanPeriod without violations returns any level to Clean.
	CleanPeriod time.Duration
	// ManualReviewCycles is the number of long blocks that flags the pair for review.
	ManualReviewCycles int
}

// DefaultPolicy returns the standard escalation ladder.
func DefaultPolicy() Policy {
	return Policy{
		ShortBlockThreshold: 3,
		LongBlockThreshold:  6,
		ShortBlock:          time.Minute,
		LongBlock:           15 * time.Minute,
		ObservationWindow:   time.Hour,
		CleanPeriod:         24 * time.Hour,
		ManualReviewCycles:  3,
	}
}

// ViolationRecord is the persisted escalation state of one (caller, endpoint class) pair.
type ViolationRecord struct {
	Level Level `json:"level"`
	// Violations are timestamps inside the observation window, oldest first.
	Violations      []time.Time `json:"violations,omitempty"`
	BlockedUntil    time.Time   `json:"blocked_until,omitempty"`
	LastViolation   time.Time   `json:"last_violation,omitempty"`
	LastReason      string      `json:"last_reason,omitempty"`
	LongBlockCycles int         `json:"long_block_cycles,omitempty"`
}

// Blocked reports whether a block is active at now.
func (r ViolationRecord) Blocked(now time.Time) bool {
	return r.Level.Blocking() && now.Before(r.BlockedUntil)
}

// Decay returns the record as of now: back to Clean once the clean period has
// elapsed since the last violation and no block is active.
func (r ViolationRecord) Decay(p Policy, now time.Time) ViolationRecord {
	if r.Level == LevelClean || r.LastViolation.IsZero() {
		return r
	}
	if now.Sub(r.LastViolation) >= p.CleanPeriod && !now.Before(r.BlockedUntil) {
		return ViolationRecord{}
	}
	return r
}

// Escalate records one violation at now and applies the transition rules.
func (r ViolationRecord) Escalate(p Policy, now time.Time, reason string) ViolationRecord {
	next := r.Decay(p, now)

	cutoff := now.Add(-p.ObservationWindow)
	kept := make([]time.Time, 0, len(next.Violations)+1)
	for _, ts := range next.Violations {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	if len(kept) > maxHistory {
		kept = kept[len(kept)-maxHistory:]
	}
	next.Violations = kept
	next.LastViolation = now
	next.LastReason = reason
	count := len(kept)

	switch next.Level {
	case LevelClean, LevelWarned:
		switch {
		case p.LongBlockThreshold > 0 && count >= p.LongBlockThreshold:
			next = next.longBlock(p, now)
		case count >= p.ShortBlockThreshold:
			next.Level = LevelShortBlocked
			next.BlockedUntil = now.Add(p.ShortBlock)
		default:
			next.Level = LevelWarned
		}
	default:
		// Any violation after a short block, expired or not, escalates.
		next = next.longBlock(p, now)
	}
	return next
}

func (r ViolationRecord) longBlock(p Policy, now time.Time) ViolationRecord {
	r.LongBlockCycles++
	r.BlockedUntil = now.Add(p.LongBlock)
	if p.ManualReviewCycles > 0 && r.LongBlockCycles >= p.ManualReviewCycles {
		r.Level = LevelManualReview
	} else {
		r.Level = LevelLongBlocked
	}
	return r
}

// Package abuse implements escalating penalties for callers that repeatedly
// exceed their limits or show automated request patterns.
package abuse

import "fmt"

// Level is the escalation state of one (caller, endpoint class) pair.
type Level int

const (
	// LevelClean has no recent violations.
	LevelClean Level = iota
	// LevelWarned has at least one violation in the observation window; no penalty yet.
	LevelWarned
	// LevelShortBlocked denies every request until the short block expires.
	LevelShortBlocked
	// LevelLongBlocked denies every request until the long block expires.
	LevelLongBlocked
	// LevelManualReview denies like LevelLongBlocked and is flagged for human follow-up.
	LevelManualReview
)

var levelNames = [...]string{"clean", "warned", "short_blocked", "long_blocked", "manual_review"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if l < 0 || int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown escalation level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	for i, n := range levelNames {
		if n == string(b) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown escalation level %q", string(b))
}

// Blocking reports whether the level carries a block.
func (l Level) Blocking() bool {
	return l >= LevelShortBlocked
}

// Classification is the coarse behavior class derived from a level.
type Classification string

const (
	ClassNormal     Classification = "normal"
	ClassSuspicious Classification = "suspicious"
	ClassAbusive    Classification = "abusive"
)

// Classify maps a level to its behavior class.
func (l Level) Classify() Classification {
	switch {
	case l == LevelClean:
		return ClassNormal
	case l == LevelWarned:
		return ClassSuspicious
	default:
		return ClassAbusive
	}
}

// BlockReason is the violation reason reported for requests denied by a block.
func (l Level) BlockReason() string {
	switch l {
	case LevelShortBlocked:
		return "abuse_short_block"
	case LevelLongBlocked:
		return "abuse_long_block"
	case LevelManualReview:
		return "abuse_manual_review"
	default:
		return ""
	}
}

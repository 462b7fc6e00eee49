// Package policy holds the rate limit policy model and the tier policy resolver.
//
// Policies are loaded from a strict YAML document into an immutable Snapshot.
// Request handling only ever reads a Snapshot; reloads swap it atomically.
package policy

import (
	"errors"
	"time"
)

// ErrPolicyNotFound indicates that no policy is configured for an endpoint class.
var ErrPolicyNotFound = errors.New("policy not found")

// Limits are base ceilings per window.
type Limits struct {
	Minute int64 `yaml:"minute" validate:"min=1"`
	Hour   int64 `yaml:"hour" validate:"min=1"`
	Day    int64 `yaml:"day" validate:"min=1"`
}

// Multipliers scale base limits per window.
type Multipliers struct {
	Minute float64 `yaml:"minute" validate:"gt=0"`
	Hour   float64 `yaml:"hour" validate:"gt=0"`
	Day    float64 `yaml:"day" validate:"gt=0"`
}

// Unit is the identity multiplier.
var Unit = Multipliers{Minute: 1, Hour: 1, Day: 1}

// RateLimitPolicy is the immutable compiled policy for one endpoint class.
type RateLimitPolicy struct {
	EndpointClass string
	Base          Limits
	// Burst caps the effective minute ceiling when greater than zero.
	Burst int64
	// Cost is the number of units one call consumes.
	Cost int64
	// Tiers maps tier name to multipliers. Tiers missing here use Unit.
	Tiers map[string]Multipliers
	// Seasonal disables season multipliers for this class when false.
	Seasonal  bool
	Overrides []CategoryOverride
}

// CategoryOverride replaces the tier multiplier for one caller category.
type CategoryOverride struct {
	Category string
	// Tiers restricts the override to these tiers; empty matches every tier.
	Tiers       []string
	Condition   Condition
	Expression  string
	Multipliers Multipliers
	// Burst and Cost replace the policy values when greater than zero.
	Burst int64
	Cost  int64
}

// MatchContext is the input to an override condition.
type MatchContext struct {
	Tier          string
	Category      string
	EndpointClass string
	// Date is the request time in the policy timezone.
	Date time.Time
}

// Condition is a compiled override predicate.
type Condition interface {
	Match(mc MatchContext) (bool, error)
}

// ConditionCompiler turns an expression string into a Condition.
type ConditionCompiler interface {
	CompileCondition(expr string) (Condition, error)
}

func (o CategoryOverride) matches(mc MatchContext) (bool, error) {
	if o.Category != mc.Category {
		return false, nil
	}
	if len(o.Tiers) > 0 {
		found := false
		for _, t := range o.Tiers {
			if t == mc.Tier {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if o.Condition == nil {
		return true, nil
	}
	return o.Condition.Match(mc)
}

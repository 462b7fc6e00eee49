package policy

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

// Snapshot is an immutable, fully compiled set of policies.
type Snapshot struct {
	Location    *time.Location
	Seasons     []Season
	Fallback    RateLimitPolicy
	Policies    map[string]RateLimitPolicy
	Fingerprint string
}

// DefaultSnapshot carries no endpoint policies, so every class resolves to DefaultFallback.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Location:    time.UTC,
		Fallback:    DefaultFallback,
		Policies:    map[string]RateLimitPolicy{},
		Fingerprint: "default",
	}
}

// Resolution is the outcome of resolving limits for one request.
type Resolution struct {
	Limits ratelimit.EffectiveLimits
	// PolicyFound is false when the fallback policy was applied.
	PolicyFound bool
	Season      string
	// Override is the index of the matched category override, or -1.
	Override int
	// ConditionErr is set when an override condition failed to evaluate; the
	// override is then treated as not matching.
	ConditionErr  error
	endpointClass string
}

// Err returns an error wrapping ErrPolicyNotFound when the fallback policy
// was applied, and nil otherwise.
func (r Resolution) Err() error {
	if r.PolicyFound {
		return nil
	}
	return fmt.Errorf("endpoint class %q: %w", r.endpointClass, ErrPolicyNotFound)
}

// Resolve computes effective limits as ceil(base * multiplier * season) per window.
// It has no side effects and is safe for concurrent use.
func (s *Snapshot) Resolve(endpointClass string, caller ratelimit.CallerIdentity, now time.Time) Resolution {
	p, ok := s.Policies[endpointClass]
	if !ok {
		p = s.Fallback
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	res := Resolution{PolicyFound: ok, Override: -1, endpointClass: endpointClass}

	mult, hasTier := p.Tiers[caller.Tier]
	if !hasTier {
		mult = Unit
	}
	burst, cost := p.Burst, p.Cost

	mc := MatchContext{Tier: caller.Tier, Category: caller.Category, EndpointClass: endpointClass, Date: local}
	for i, o := range p.Overrides {
		matched, err := o.matches(mc)
		if err != nil {
			if res.ConditionErr == nil {
				res.ConditionErr = err
			}
			continue
		}
		if !matched {
			continue
		}
		res.Override = i
		mult = o.Multipliers
		if o.Burst > 0 {
			burst = o.Burst
		}
		if o.Cost > 0 {
			cost = o.Cost
		}
		break
	}

	season := 1.0
	if p.Seasonal {
		season, res.Season = SeasonalMultiplier(s.Seasons, local)
	}

	minute := scale(p.Base.Minute, mult.Minute, season)
	if burst > 0 && burst < minute {
		minute = burst
	}
	if cost < 1 {
		cost = 1
	}
	res.Limits = ratelimit.EffectiveLimits{
		Minute: minute,
		Hour:   scale(p.Base.Hour, mult.Hour, season),
		Day:    scale(p.Base.Day, mult.Day, season),
		Cost:   cost,
	}
	return res
}

// floatTolerance keeps float noise such as 30*1.1 = 33.000000000000004 from adding a unit.
const floatTolerance = 1e-9

func scale(base int64, tier, season float64) int64 {
	v := int64(math.Ceil(float64(base)*tier*season - floatTolerance))
	if v < 1 {
		return 1
	}
	return v
}

// Holder publishes the current Snapshot. Readers always see a complete old or new snapshot.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder publishing initial, or DefaultSnapshot when nil.
func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = DefaultSnapshot()
	}
	h.current.Store(initial)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Swap publishes next and returns the previous snapshot.
func (h *Holder) Swap(next *Snapshot) *Snapshot {
	return h.current.Swap(next)
}

// Resolver is the tier policy resolver over the currently published snapshot.
type Resolver struct {
	holder *Holder
}

// NewResolver creates a resolver reading from holder.
func NewResolver(holder *Holder) *Resolver {
	return &Resolver{holder: holder}
}

// Resolve resolves limits against one consistent snapshot.
func (r *Resolver) Resolve(endpointClass string, caller ratelimit.CallerIdentity, now time.Time) (Resolution, *Snapshot) {
	snap := r.holder.Load()
	return snap.Resolve(endpointClass, caller, now), snap
}

// Location returns the timezone of the current snapshot.
func (r *Resolver) Location() *time.Location {
	if loc := r.holder.Load().Location; loc != nil {
		return loc
	}
	return time.UTC
}

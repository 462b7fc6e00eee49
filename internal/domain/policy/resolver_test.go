package policy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

func mustParse(t *testing.T, doc string) *Snapshot {
	t.Helper()
	snap, err := Parse([]byte(doc), stubCompiler{})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return snap
}

// January 15 sits outside both test seasons.
var offSeason = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func TestResolve_TierMultipliers(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, testDocument)
	tests := []struct {
		tier string
		want ratelimit.EffectiveLimits
	}{
		{"free", ratelimit.EffectiveLimits{Minute: 30, Hour: 1000, Day: 10000, Cost: 1}},
		{"premium", ratelimit.EffectiveLimits{Minute: 150, Hour: 5000, Day: 50000, Cost: 1}},
		{"unknown-tier", ratelimit.EffectiveLimits{Minute: 30, Hour: 1000, Day: 10000, Cost: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			t.Parallel()
			res := snap.Resolve("search", ratelimit.CallerIdentity{ID: "vendor-42", Tier: tt.tier}, offSeason)
			if !res.PolicyFound {
				t.Error("PolicyFound = false, want true")
			}
			if res.Limits != tt.want {
				t.Errorf("Limits = %+v, want %+v", res.Limits, tt.want)
			}
		})
	}
}

func TestResolve_Seasons(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, testDocument)
	caller := ratelimit.CallerIdentity{ID: "vendor-42", Tier: "free"}

	tests := []struct {
		name       string
		at         time.Time
		wantMinute int64
		wantSeason string
	}{
		{"peak start", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 45, "peak"},
		{"peak end", time.Date(2026, 10, 31, 23, 59, 0, 0, time.UTC), 45, "peak"},
		{"day before peak", time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), 30, ""},
		{"low season", time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC), 24, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := snap.Resolve("search", caller, tt.at)
			if res.Limits.Minute != tt.wantMinute {
				t.Errorf("Minute = %d, want %d", res.Limits.Minute, tt.wantMinute)
			}
			if res.Season != tt.wantSeason {
				t.Errorf("Season = %q, want %q", res.Season, tt.wantSeason)
			}
		})
	}
}

func TestResolve_SeasonUsesPolicyTimezone(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, "version: 1\ntimezone: America/New_York\nseasons:\n  - {name: peak, start: \"04-01\", end: \"10-31\", multiplier: 2}\npolicies:\n  search:\n    limits: {minute: 10, hour: 100, day: 1000}\n")
	// 02:00 UTC on April 1 is still March 31 in New York.
	res := snap.Resolve("search", ratelimit.CallerIdentity{ID: "c"}, time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC))
	if res.Limits.Minute != 10 {
		t.Errorf("Minute = %d, want 10", res.Limits.Minute)
	}
}

func TestResolve_CategoryOverride(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, testDocument)

	tests := []struct {
		name   string
		caller ratelimit.CallerIdentity
		want   ratelimit.EffectiveLimits
		over   int
	}{
		{
			name:   "photographer premium gets override",
			caller: ratelimit.CallerIdentity{ID: "p1", Tier: "premium", Category: "photographer"},
			// minute 5*10 = 50 is under the override burst of 100.
			want: ratelimit.EffectiveLimits{Minute: 50, Hour: 500, Day: 800, Cost: 2},
			over: 0,
		},
		{
			name:   "photographer free falls back to tier",
			caller: ratelimit.CallerIdentity{ID: "p2", Tier: "free", Category: "photographer"},
			want:   ratelimit.EffectiveLimits{Minute: 5, Hour: 50, Day: 200, Cost: 2},
			over:   -1,
		},
		{
			name:   "venue premium capped by policy burst",
			caller: ratelimit.CallerIdentity{ID: "v1", Tier: "premium", Category: "venue"},
			want:   ratelimit.EffectiveLimits{Minute: 8, Hour: 250, Day: 1000, Cost: 2},
			over:   -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Peak date: upload is not seasonal so the season must not apply.
			res := snap.Resolve("upload", tt.caller, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
			if res.Limits != tt.want {
				t.Errorf("Limits = %+v, want %+v", res.Limits, tt.want)
			}
			if res.Override != tt.over {
				t.Errorf("Override = %d, want %d", res.Override, tt.over)
			}
		})
	}
}

func TestResolve_ConditionalOverride(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, `
version: 1
policies:
  search:
    limits: {minute: 30, hour: 1000, day: 10000}
    overrides:
      - category: venue
        condition: Saturday
        multipliers: {minute: 2, hour: 2, day: 2}
`)
	venue := ratelimit.CallerIdentity{ID: "v", Category: "venue"}
	saturday := time.Date(2026, 6, 13, 9, 0, 0, 0, time.UTC)
	if got := snap.Resolve("search", venue, saturday).Limits.Minute; got != 60 {
		t.Errorf("Saturday Minute = %d, want 60", got)
	}
	if got := snap.Resolve("search", venue, saturday.AddDate(0, 0, 1)).Limits.Minute; got != 30 {
		t.Errorf("Sunday Minute = %d, want 30", got)
	}
}

func TestResolve_FallbackPolicy(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, testDocument)
	res := snap.Resolve("unconfigured", ratelimit.CallerIdentity{ID: "c", Tier: "premium"}, offSeason)
	if res.PolicyFound {
		t.Error("PolicyFound = true, want false")
	}
	if err := res.Err(); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Err() = %v, want ErrPolicyNotFound", err)
	}
	// The fallback still honors the global tier table.
	want := ratelimit.EffectiveLimits{Minute: 50, Hour: 500, Day: 5000, Cost: 1}
	if res.Limits != want {
		t.Errorf("Limits = %+v, want %+v", res.Limits, want)
	}

	def := DefaultSnapshot().Resolve("anything", ratelimit.CallerIdentity{ID: "c"}, offSeason)
	if def.Limits != (ratelimit.EffectiveLimits{Minute: 10, Hour: 100, Day: 1000, Cost: 1}) {
		t.Errorf("default Limits = %+v", def.Limits)
	}
}

func TestResolve_CeilWithoutFloatNoise(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, "version: 1\ntiers:\n  plus: {minute: 1.1, hour: 1.1, day: 1.1}\npolicies:\n  search:\n    limits: {minute: 30, hour: 7, day: 3}\n")
	res := snap.Resolve("search", ratelimit.CallerIdentity{ID: "c", Tier: "plus"}, offSeason)
	want := ratelimit.EffectiveLimits{Minute: 33, Hour: 8, Day: 4, Cost: 1}
	if res.Limits != want {
		t.Errorf("Limits = %+v, want %+v", res.Limits, want)
	}
}

func TestResolve_TierMonotonicity(t *testing.T) {
	t.Parallel()

	snap := mustParse(t, testDocument)
	dates := []time.Time{offSeason, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 11, 5, 0, 0, 0, 0, time.UTC)}
	for _, class := range []string{"search", "upload", "missing"} {
		for _, d := range dates {
			free := snap.Resolve(class, ratelimit.CallerIdentity{ID: "c", Tier: "free"}, d).Limits
			premium := snap.Resolve(class, ratelimit.CallerIdentity{ID: "c", Tier: "premium"}, d).Limits
			for _, w := range ratelimit.Windows {
				if premium.Ceiling(w) < free.Ceiling(w) {
					t.Errorf("%s %s on %v: premium %d < free %d", class, w, d, premium.Ceiling(w), free.Ceiling(w))
				}
			}
		}
	}
}

func TestHolder_ConcurrentSwap(t *testing.T) {
	t.Parallel()

	a := mustParse(t, testDocument)
	b := DefaultSnapshot()
	h := NewHolder(a)
	r := NewResolver(h)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, snap := r.Resolve("search", ratelimit.CallerIdentity{ID: "c"}, offSeason)
				if snap != a && snap != b {
					t.Error("Resolve() observed an unknown snapshot")
					return
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		if j%2 == 0 {
			h.Swap(b)
		} else {
			h.Swap(a)
		}
	}
	wg.Wait()

	if NewHolder(nil).Load().Fingerprint != "default" {
		t.Error("NewHolder(nil) did not publish the default snapshot")
	}
}

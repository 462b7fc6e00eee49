package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// CounterStore is the atomic shared counter abstraction behind the limiter.
//
// Interface owned by domain per hexagonal architecture. Implementations must
// make IncrementAndGet a single server-side atomic operation: under N concurrent
// callers adding cost C to one key the final value is exactly N*C.
type CounterStore interface {
	// IncrementAndGet adds cost to the counter at key, creating it with the given
	// TTL when absent, and returns the new value and the remaining TTL.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration, cost int64) (int64, time.Duration, error)

	// BatchRead returns the current values of the keys that exist. It is not
	// atomic across keys and must only be used for display.
	BatchRead(ctx context.Context, keys []string) (map[string]int64, error)
}

// SlidingWindowLimiter checks and updates the minute, hour and day counters
// for one (caller, endpoint class) pair.
// Day windows start at midnight in the location of the time passed to Check.
type SlidingWindowLimiter struct {
	store CounterStore
}

// NewSlidingWindowLimiter creates a limiter over store.
func NewSlidingWindowLimiter(store CounterStore) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{store: store}
}

// Result is the outcome of one limiter check.
type Result struct {
	Allowed bool
	Windows []WindowResult
	// Violated is the exceeded window with the earliest reset; empty when allowed.
	Violated   Window
	RetryAfter time.Duration
}

// Check increments all three windows by limits.Cost and compares each new value
// with its ceiling. All windows are incremented even when one is already over,
// and nothing is rolled back on deny.
func (l *SlidingWindowLimiter) Check(ctx context.Context, callerID, endpointClass string, limits EffectiveLimits, now time.Time) (Result, error) {
	cost := limits.Cost
	if cost < 1 {
		cost = 1
	}

	results := make([]WindowResult, len(Windows))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range Windows {
		start := w.Start(now)
		end := w.End(start)
		key := BucketKey(callerID, endpointClass, w, start)
		// TTL covers the rest of the window; the key embeds the start so a
		// late expiry never leaks counts into the next window.
		ttl := end.Sub(now)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		g.Go(func() error {
			value, _, err := l.store.IncrementAndGet(gctx, key, ttl, cost)
			if err != nil {
				return fmt.Errorf("increment %s window: %w", w, err)
			}
			limit := limits.Ceiling(w)
			results[i] = WindowResult{
				Window:   w,
				Count:    value,
				Limit:    limit,
				ResetAt:  end.UTC(),
				Exceeded: value > limit,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return evaluate(results, now), nil
}

// evaluate picks the violated window with the smallest time to reset.
func evaluate(results []WindowResult, now time.Time) Result {
	res := Result{Allowed: true, Windows: results}
	for _, r := range results {
		if !r.Exceeded {
			continue
		}
		wait := r.ResetAt.Sub(now)
		if res.Allowed || wait < res.RetryAfter {
			res.Allowed = false
			res.Violated = r.Window
			res.RetryAfter = wait
		}
	}
	return res
}

// Peek reads the current counters for display without incrementing them.
func (l *SlidingWindowLimiter) Peek(ctx context.Context, callerID, endpointClass string, limits EffectiveLimits, now time.Time) ([]WindowResult, error) {
	keys := make([]string, len(Windows))
	ends := make([]time.Time, len(Windows))
	for i, w := range Windows {
		start := w.Start(now)
		keys[i] = BucketKey(callerID, endpointClass, w, start)
		ends[i] = w.End(start)
	}
	values, err := l.store.BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("batch read: %w", err)
	}
	out := make([]WindowResult, len(Windows))
	for i, w := range Windows {
		count := values[keys[i]]
		limit := limits.Ceiling(w)
		out[i] = WindowResult{Window: w, Count: count, Limit: limit, ResetAt: ends[i].UTC(), Exceeded: count > limit}
	}
	return out, nil
}

// Decision converts the limiter result into a decision value.
func (r Result) Decision(level string) Decision {
	d := Decision{
		Allowed:           r.Allowed,
		RemainingByWindow: make(map[Window]int64, len(r.Windows)),
		ResetAtByWindow:   make(map[Window]time.Time, len(r.Windows)),
		LimitByWindow:     make(map[Window]int64, len(r.Windows)),
		EscalationLevel:   level,
	}
	for _, w := range r.Windows {
		d.RemainingByWindow[w.Window] = w.Remaining()
		d.ResetAtByWindow[w.Window] = w.ResetAt
		d.LimitByWindow[w.Window] = w.Limit
	}
	if !r.Allowed {
		d.RetryAfter = r.RetryAfter
		d.ViolationReason = r.Violated.ExceededReason()
	}
	return d
}

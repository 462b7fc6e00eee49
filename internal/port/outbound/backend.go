// Package outbound defines the outbound port interfaces for shared state stores.
package outbound

import (
	"context"
	"sync/atomic"

	"github.com/quotaguard/quotaguard/internal/ctxkey"
	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

// Backend is a store that holds both window counters and violation records.
// Adapters (redis, SQL, memory) implement it; the failover adapter composes two.
type Backend interface {
	ratelimit.CounterStore
	abuse.ViolationStore

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Name labels the backend in logs, metrics and health output.
	Name() string

	// Close releases connections and stops background work.
	Close() error
}

// Route records which stores served the operations of a single call.
// Safe for concurrent use by the goroutines of one call.
type Route struct {
	fallback atomic.Bool
}

// UseFallback marks the call as served, at least in part, by the fallback store.
func (r *Route) UseFallback() {
	r.fallback.Store(true)
}

// Degraded reports whether any operation of the call went to the fallback store.
func (r *Route) Degraded() bool {
	return r.fallback.Load()
}

// WithRoute attaches a fresh Route to ctx.
func WithRoute(ctx context.Context) (context.Context, *Route) {
	r := &Route{}
	return context.WithValue(ctx, ctxkey.RouteKey{}, r), r
}

// RouteFrom returns the Route attached to ctx, or nil.
func RouteFrom(ctx context.Context) *Route {
	r, _ := ctx.Value(ctxkey.RouteKey{}).(*Route)
	return r
}

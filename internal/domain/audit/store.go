package audit

import (
	"context"
	"errors"
)

// EventStore delivers events to an external sink.
// Interface owned by domain per hexagonal architecture.
type EventStore interface {
	// Append delivers events. Called from the event worker, never from the request path.
	Append(ctx context.Context, events ...Event) error

	// Flush forces pending events out. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter selects events from a recent-event buffer.
type Filter struct {
	CallerIdentity string
	EndpointClass  string
	Kind           Kind
	// Limit is the maximum number of events to return (default 100, max 1000).
	Limit int
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.CallerIdentity != "" && e.CallerIdentity != f.CallerIdentity {
		return false
	}
	if f.EndpointClass != "" && e.EndpointClass != f.EndpointClass {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// Fanout delivers every batch to all stores, joining their errors.
type Fanout []EventStore

// Append implements EventStore.
func (f Fanout) Append(ctx context.Context, events ...Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Append(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush implements EventStore.
func (f Fanout) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range f {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements EventStore.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ EventStore = Fanout(nil)

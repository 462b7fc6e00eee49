// Package failover composes a primary and a fallback backend. Every call
// runs against the primary under a short timeout while it is healthy; a
// timeout or connection failure flips a health flag and the call continues
// on the fallback. Rejected commands are returned as is.
// A background probe flips the flag back once the primary answers again.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
)

const (
	defaultPrimaryTimeout  = 3 * time.Millisecond
	defaultFallbackTimeout = 25 * time.Millisecond
	defaultProbeInterval   = time.Second
	defaultProbeTimeout    = 100 * time.Millisecond
)

// Store implements outbound.Backend over a primary and an optional fallback.
type Store struct {
	primary  outbound.Backend
	fallback outbound.Backend
	logger   *slog.Logger

	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	probeInterval   time.Duration
	probeTimeout    time.Duration

	healthy      atomic.Bool
	fallbackDown atomic.Bool
	onChange     func(degraded bool)
	latency      metric.Float64Histogram

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts sets the per-call budgets. Zero keeps the default.
func WithTimeouts(primary, fallback time.Duration) Option {
	return func(s *Store) {
		if primary > 0 {
			s.primaryTimeout = primary
		}
		if fallback > 0 {
			s.fallbackTimeout = fallback
		}
	}
}

// WithProbeInterval sets how often an unhealthy primary is re-probed.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// WithStateHook registers fn to run on every health flip. degraded is true
// when calls start going to the fallback.
func WithStateHook(fn func(degraded bool)) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithMeter records store latency on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(s *Store) { s.latency = newLatencyHistogram(m) }
}

// New creates a failover store. fallback may be nil, in which case a primary
// failure surfaces as ratelimit.ErrStoreUnavailable.
func New(primary, fallback outbound.Backend, opts ...Option) *Store {
	s := &Store{
		primary:         primary,
		fallback:        fallback,
		logger:          slog.Default(),
		primaryTimeout:  defaultPrimaryTimeout,
		fallbackTimeout: defaultFallbackTimeout,
		probeInterval:   defaultProbeInterval,
		probeTimeout:    defaultProbeTimeout,
		stopChan:        make(chan struct{}),
	}
	s.healthy.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	if s.latency == nil {
		s.latency = newLatencyHistogram(otel.Meter("github.com/quotaguard/quotaguard/failover"))
	}
	return s
}

func newLatencyHistogram(m metric.Meter) metric.Float64Histogram {
	h, err := m.Float64Histogram("quotaguard.store.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of counter and violation store calls"))
	if err != nil {
		return noop.Float64Histogram{}
	}
	return h
}

// PrimaryHealthy reports the current health flag.
func (s *Store) PrimaryHealthy() bool {
	return s.healthy.Load()
}

// Backends returns the composed stores. fallback may be nil.
func (s *Store) Backends() (primary, fallback outbound.Backend) {
	return s.primary, s.fallback
}

func (s *Store) call(ctx context.Context, b outbound.Backend, timeout time.Duration, op string, fn func(context.Context, outbound.Backend) error) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx, b)
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(
			attribute.String("store", b.Name()),
			attribute.String("op", op),
			attribute.Bool("error", err != nil),
		))

	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ratelimit.ErrStoreTimeout) {
		err = fmt.Errorf("%w: %w", ratelimit.ErrStoreTimeout, err)
	}
	return err
}

// availabilityErr reports whether err means the store could not serve the call,
// as opposed to a logical outcome such as a lost CAS race or a reply about
// one key. Only the former moves traffic to the fallback.
func availabilityErr(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, abuse.ErrConflict), errors.Is(err, ratelimit.ErrStoreRejected):
		return false
	default:
		return true
	}
}

func (s *Store) do(ctx context.Context, op string, fn func(context.Context, outbound.Backend) error) error {
	if s.healthy.Load() {
		err := s.call(ctx, s.primary, s.primaryTimeout, op, fn)
		if !availabilityErr(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markPrimaryDown(op, err)
	}

	if s.fallback == nil {
		return fmt.Errorf("%s: %w: primary %s down, no fallback", op, ratelimit.ErrStoreUnavailable, s.primary.Name())
	}
	if r := outbound.RouteFrom(ctx); r != nil {
		r.UseFallback()
	}

	err := s.call(ctx, s.fallback, s.fallbackTimeout, op, fn)
	if !availabilityErr(err) {
		if err == nil && s.fallbackDown.CompareAndSwap(true, false) {
			s.logger.Info("fallback store recovered", "store", s.fallback.Name())
		}
		return err
	}
	if s.fallbackDown.CompareAndSwap(false, true) {
		s.logger.Error("primary and fallback stores unavailable",
			"primary", s.primary.Name(),
			"fallback", s.fallback.Name(),
			"op", op,
			"error", err)
	}
	return fmt.Errorf("%s: %w: %w", op, ratelimit.ErrStoreUnavailable, err)
}

func (s *Store) markPrimaryDown(op string, err error) {
	if !s.healthy.CompareAndSwap(true, false) {
		return
	}
	s.logger.Warn("primary store failed, serving from fallback (degraded mode)",
		"store", s.primary.Name(),
		"op", op,
		"error", err)
	if s.onChange != nil {
		s.onChange(true)
	}
}

// Probe pings the primary once and restores the health flag on success.
func (s *Store) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if err := s.primary.Ping(pctx); err != nil {
		return false
	}
	if s.healthy.CompareAndSwap(false, true) {
		s.logger.Info("primary store recovered", "store", s.primary.Name())
		if s.onChange != nil {
			s.onChange(false)
		}
	}
	return true
}

// StartProbe re-probes the primary every probe interval while it is
// unhealthy. It stops when ctx is cancelled or Stop is called.
func (s *Store) StartProbe(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if !s.healthy.Load() {
					s.Probe(ctx)
				}
			}
		}
	}()
}

// Stop stops the probe goroutine and waits for it to exit. Safe to call multiple times.
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// IncrementAndGet implements ratelimit.CounterStore.
func (s *Store) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, cost int64) (int64, time.Duration, error) {
	var value int64
	var remaining time.Duration
	err := s.do(ctx, "increment", func(ctx context.Context, b outbound.Backend) error {
		var err error
		value, remaining, err = b.IncrementAndGet(ctx, key, ttl, cost)
		return err
	})
	return value, remaining, err
}

// BatchRead implements ratelimit.CounterStore.
func (s *Store) BatchRead(ctx context.Context, keys []string) (map[string]int64, error) {
	var out map[string]int64
	err := s.do(ctx, "batch_read", func(ctx context.Context, b outbound.Backend) error {
		var err error
		out, err = b.BatchRead(ctx, keys)
		return err
	})
	return out, err
}

// LoadViolations implements abuse.ViolationStore.
func (s *Store) LoadViolations(ctx context.Context, key string) (abuse.ViolationRecord, error) {
	var rec abuse.ViolationRecord
	err := s.do(ctx, "load_violations", func(ctx context.Context, b outbound.Backend) error {
		var err error
		rec, err = b.LoadViolations(ctx, key)
		return err
	})
	return rec, err
}

// UpdateViolations implements abuse.ViolationStore.
func (s *Store) UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn abuse.UpdateFunc) (abuse.ViolationRecord, error) {
	var rec abuse.ViolationRecord
	err := s.do(ctx, "update_violations", func(ctx context.Context, b outbound.Backend) error {
		var err error
		rec, err = b.UpdateViolations(ctx, key, ttl, fn)
		return err
	})
	return rec, err
}

// Ping succeeds when either store answers.
func (s *Store) Ping(ctx context.Context) error {
	perr := s.primary.Ping(ctx)
	if perr == nil {
		return nil
	}
	if s.fallback == nil {
		return perr
	}
	if ferr := s.fallback.Ping(ctx); ferr != nil {
		return fmt.Errorf("%w: primary: %w; fallback: %w", ratelimit.ErrStoreUnavailable, perr, ferr)
	}
	return nil
}

// Name implements outbound.Backend.
func (s *Store) Name() string {
	if s.fallback == nil {
		return "failover(" + s.primary.Name() + ")"
	}
	return "failover(" + s.primary.Name() + "," + s.fallback.Name() + ")"
}

// Close stops the probe and closes both stores.
func (s *Store) Close() error {
	s.Stop()
	errs := []error{s.primary.Close()}
	if s.fallback != nil {
		errs = append(errs, s.fallback.Close())
	}
	return errors.Join(errs...)
}

// Compile-time interface verification.
var _ outbound.Backend = (*Store)(nil)

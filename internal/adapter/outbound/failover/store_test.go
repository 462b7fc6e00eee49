package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quotaguard/quotaguard/internal/adapter/outbound/memory"
	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
)

var errDown = errors.New("connection refused")

// stubBackend wraps a memory store with switchable failure and latency.
type stubBackend struct {
	*memory.MemoryStore
	name  string
	down  atomic.Bool
	delay atomic.Int64
	calls atomic.Int64
	err   error
}

func newStub(name string) *stubBackend {
	return &stubBackend{MemoryStore: memory.NewStore(), name: name}
}

func (b *stubBackend) before(ctx context.Context) error {
	b.calls.Add(1)
	if d := time.Duration(b.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.down.Load() {
		if b.err != nil {
			return b.err
		}
		return errDown
	}
	return nil
}

func (b *stubBackend) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, cost int64) (int64, time.Duration, error) {
	if err := b.before(ctx); err != nil {
		return 0, 0, err
	}
	return b.MemoryStore.IncrementAndGet(ctx, key, ttl, cost)
}

func (b *stubBackend) BatchRead(ctx context.Context, keys []string) (map[string]int64, error) {
	if err := b.before(ctx); err != nil {
		return nil, err
	}
	return b.MemoryStore.BatchRead(ctx, keys)
}

func (b *stubBackend) LoadViolations(ctx context.Context, key string) (abuse.ViolationRecord, error) {
	if err := b.before(ctx); err != nil {
		return abuse.ViolationRecord{}, err
	}
	return b.MemoryStore.LoadViolations(ctx, key)
}

func (b *stubBackend) UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn abuse.UpdateFunc) (abuse.ViolationRecord, error) {
	if err := b.before(ctx); err != nil {
		return abuse.ViolationRecord{}, err
	}
	return b.MemoryStore.UpdateViolations(ctx, key, ttl, fn)
}

func (b *stubBackend) Ping(ctx context.Context) error {
	if b.down.Load() {
		return errDown
	}
	return nil
}

func (b *stubBackend) Name() string { return b.name }

var _ outbound.Backend = (*stubBackend)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_PrimaryServes(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	s := New(primary, fallback, WithLogger(quietLogger()), WithTimeouts(time.Second, time.Second))

	ctx, route := outbound.WithRoute(context.Background())
	v, _, err := s.IncrementAndGet(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.False(t, route.Degraded())
	assert.True(t, s.PrimaryHealthy())
	assert.Zero(t, fallback.calls.Load())
}

func TestStore_FailsOverOnError(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	var flips []bool
	var mu sync.Mutex
	s := New(primary, fallback,
		WithLogger(quietLogger()),
		WithTimeouts(time.Second, time.Second),
		WithStateHook(func(degraded bool) {
			mu.Lock()
			flips = append(flips, degraded)
			mu.Unlock()
		}))

	primary.down.Store(true)

	ctx, route := outbound.WithRoute(context.Background())
	v, _, err := s.IncrementAndGet(ctx, "k", time.Minute, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.True(t, route.Degraded())
	assert.False(t, s.PrimaryHealthy())

	// While unhealthy the primary is skipped entirely.
	before := primary.calls.Load()
	v, _, err = s.IncrementAndGet(context.Background(), "k", time.Minute, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, before, primary.calls.Load())

	// Decisions are consistent with the fallback's own state.
	got, err := fallback.MemoryStore.BatchRead(context.Background(), []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["k"])

	mu.Lock()
	assert.Equal(t, []bool{true}, flips)
	mu.Unlock()
}

func TestStore_FailsOverOnTimeout(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	primary.delay.Store(int64(50 * time.Millisecond))
	s := New(primary, fallback, WithLogger(quietLogger()), WithTimeouts(2*time.Millisecond, time.Second))

	ctx, route := outbound.WithRoute(context.Background())
	_, _, err := s.IncrementAndGet(ctx, "k", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, route.Degraded())
	assert.False(t, s.PrimaryHealthy())
}

func TestStore_BothDown(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	primary.down.Store(true)
	fallback.down.Store(true)
	s := New(primary, fallback, WithLogger(quietLogger()), WithTimeouts(time.Second, time.Second))

	_, _, err := s.IncrementAndGet(context.Background(), "k", time.Minute, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)

	_, err = s.LoadViolations(context.Background(), "abuse:k")
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)

	assert.ErrorIs(t, s.Ping(context.Background()), ratelimit.ErrStoreUnavailable)

	// Fallback recovery is picked up on the next call.
	fallback.down.Store(false)
	_, _, err = s.IncrementAndGet(context.Background(), "k", time.Minute, 1)
	assert.NoError(t, err)
}

func TestStore_NoFallback(t *testing.T) {
	primary := newStub("primary")
	primary.down.Store(true)
	s := New(primary, nil, WithLogger(quietLogger()))

	_, err := s.BatchRead(context.Background(), []string{"k"})
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.Equal(t, "failover(primary)", s.Name())
}

func TestStore_ConflictDoesNotFailOver(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	primary.err = abuse.ErrConflict
	primary.down.Store(true)
	s := New(primary, fallback, WithLogger(quietLogger()), WithTimeouts(time.Second, time.Second))

	_, err := s.UpdateViolations(context.Background(), "abuse:k", time.Hour, func(cur abuse.ViolationRecord) abuse.ViolationRecord { return cur })
	assert.ErrorIs(t, err, abuse.ErrConflict)
	assert.True(t, s.PrimaryHealthy())
	assert.Zero(t, fallback.calls.Load())
}

func TestStore_RejectedCallDoesNotFailOver(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	primary.err = fmt.Errorf("redis load violations qg:abuse:search:bob: %w: %w", ratelimit.ErrStoreRejected, abuse.ErrCorruptRecord)
	primary.down.Store(true)
	s := New(primary, fallback, WithLogger(quietLogger()), WithTimeouts(time.Second, time.Second))

	ctx, route := outbound.WithRoute(context.Background())
	_, err := s.LoadViolations(ctx, "abuse:search:bob")
	assert.ErrorIs(t, err, abuse.ErrCorruptRecord)
	assert.NotErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.True(t, s.PrimaryHealthy())
	assert.False(t, route.Degraded())
	assert.Zero(t, fallback.calls.Load())

	// Other callers keep being served by the primary.
	primary.down.Store(false)
	ctx, route = outbound.WithRoute(context.Background())
	_, _, err = s.IncrementAndGet(ctx, "cnt:search:minute:60:alice", time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, route.Degraded())
	assert.Zero(t, fallback.calls.Load())
}

func TestStore_ProbeRestoresPrimary(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	var recovered atomic.Bool
	s := New(primary, fallback,
		WithLogger(quietLogger()),
		WithTimeouts(time.Second, time.Second),
		WithStateHook(func(degraded bool) {
			if !degraded {
				recovered.Store(true)
			}
		}))

	primary.down.Store(true)
	_, _, err := s.IncrementAndGet(context.Background(), "k", time.Minute, 1)
	require.NoError(t, err)
	require.False(t, s.PrimaryHealthy())

	assert.False(t, s.Probe(context.Background()))
	assert.False(t, s.PrimaryHealthy())

	primary.down.Store(false)
	assert.True(t, s.Probe(context.Background()))
	assert.True(t, s.PrimaryHealthy())
	assert.True(t, recovered.Load())

	ctx, route := outbound.WithRoute(context.Background())
	_, _, err = s.IncrementAndGet(ctx, "k", time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, route.Degraded())
}

func TestStore_StartProbe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	primary, fallback := newStub("primary"), newStub("fallback")
	s := New(primary, fallback,
		WithLogger(quietLogger()),
		WithTimeouts(time.Second, time.Second),
		WithProbeInterval(5*time.Millisecond))

	primary.down.Store(true)
	_, _, err := s.IncrementAndGet(context.Background(), "k", time.Minute, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartProbe(ctx)

	primary.down.Store(false)
	require.Eventually(t, s.PrimaryHealthy, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	s.Stop()
}

func TestStore_CallerCancellationIsNotFailover(t *testing.T) {
	primary, fallback := newStub("primary"), newStub("fallback")
	primary.delay.Store(int64(time.Second))
	s := New(primary, fallback, WithLogger(quietLogger()), WithTimeouts(time.Second, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, _, err := s.IncrementAndGet(ctx, "k", time.Minute, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, s.PrimaryHealthy())
}

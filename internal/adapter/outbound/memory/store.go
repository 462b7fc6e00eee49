// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
)

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

type recordEntry struct {
	record    abuse.ViolationRecord
	expiresAt time.Time
}

// MemoryStore implements outbound.Backend in process memory.
// Thread-safe for concurrent access. Counters are only shared within one
// process, so this backend is for development, tests and single-node setups.
// Includes background cleanup of expired keys.
type MemoryStore struct {
	counters        map[string]counterEntry
	records         map[string]recordEntry
	mu              sync.Mutex
	now             func() time.Time
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithCleanupInterval sets how often expired keys are swept (default 1 minute).
func WithCleanupInterval(d time.Duration) Option {
	return func(s *MemoryStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// NewStore creates an empty in-memory backend.
func NewStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		counters:        make(map[string]counterEntry),
		records:         make(map[string]recordEntry),
		now:             time.Now,
		stopChan:        make(chan struct{}),
		cleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrementAndGet adds cost under the store mutex. Expired counters restart from zero.
func (s *MemoryStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, cost int64) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = counterEntry{expiresAt: now.Add(ttl)}
	}
	e.value += cost
	s.counters[key] = e
	return e.value, e.expiresAt.Sub(now), nil
}

// BatchRead returns the live counters among keys.
func (s *MemoryStore) BatchRead(ctx context.Context, keys []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		if e, ok := s.counters[k]; ok && now.Before(e.expiresAt) {
			out[k] = e.value
		}
	}
	return out, nil
}

// LoadViolations returns the live record at key or a zero record.
func (s *MemoryStore) LoadViolations(ctx context.Context, key string) (abuse.ViolationRecord, error) {
	if err := ctx.Err(); err != nil {
		return abuse.ViolationRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.records[key]; ok && s.now().Before(e.expiresAt) {
		return e.record, nil
	}
	return abuse.ViolationRecord{}, nil
}

// UpdateViolations applies fn under the store mutex.
func (s *MemoryStore) UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn abuse.UpdateFunc) (abuse.ViolationRecord, error) {
	if err := ctx.Err(); err != nil {
		return abuse.ViolationRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var cur abuse.ViolationRecord
	if e, ok := s.records[key]; ok && now.Before(e.expiresAt) {
		cur = e.record
	}
	next := fn(cur)
	s.records[key] = recordEntry{record: next, expiresAt: now.Add(ttl)}
	return next, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Name implements outbound.Backend.
func (s *MemoryStore) Name() string {
	return "memory"
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}

// StartCleanup starts the background cleanup goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (s *MemoryStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes expired counters and records.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, e := range s.counters {
		if !now.Before(e.expiresAt) {
			delete(s.counters, key)
			cleaned++
		}
	}
	for key, e := range s.records {
		if !now.Before(e.expiresAt) {
			delete(s.records, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("memory store cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(s.counters)+len(s.records))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemoryStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked keys.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters) + len(s.records)
}

// Compile-time interface verification.
var (
	_ outbound.Backend       = (*MemoryStore)(nil)
	_ ratelimit.CounterStore = (*MemoryStore)(nil)
)

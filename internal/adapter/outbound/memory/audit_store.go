package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/quotaguard/quotaguard/internal/domain/audit"
)

const defaultRecentCap = 1000

// MemoryAuditStore implements audit.EventStore writing JSON lines to a writer
// (stdout by default). It also keeps a bounded ring buffer for recent-event queries.
// A nil writer keeps events in memory only.
type MemoryAuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	// recent is a ring of the most recent events; head is the next write slot.
	recent []audit.Event
	head   int
	full   bool
}

// resolveCapacity returns the first positive capacity value, or defaultRecentCap.
func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates an event store writing to stdout.
// An optional capacity parameter sets the ring buffer size (default 1000).
func NewAuditStore(capacity ...int) *MemoryAuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity...)
}

// NewAuditStoreWithWriter creates an event store writing to w.
// An optional capacity parameter sets the ring buffer size (default 1000).
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *MemoryAuditStore {
	s := &MemoryAuditStore{
		writer: w,
		recent: make([]audit.Event, resolveCapacity(capacity...)),
	}
	if w != nil {
		s.encoder = json.NewEncoder(w)
	}
	return s
}

// Append writes events as JSON lines and keeps them in the ring buffer.
func (s *MemoryAuditStore) Append(_ context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if s.encoder != nil {
			if err := s.encoder.Encode(e); err != nil {
				return err
			}
		}
		s.pushLocked(e)
	}
	return nil
}

// Seed loads events, oldest first, into the ring buffer without writing them.
// Used to restore recent history from persistent storage at startup.
func (s *MemoryAuditStore) Seed(events ...audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.pushLocked(e)
	}
}

func (s *MemoryAuditStore) pushLocked(e audit.Event) {
	s.recent[s.head] = e
	s.head = (s.head + 1) % len(s.recent)
	if s.head == 0 {
		s.full = true
	}
}

// Flush is a no-op; the encoder writes through.
func (s *MemoryAuditStore) Flush(context.Context) error {
	return nil
}

// Close closes the writer if it is a file other than stdout/stderr.
func (s *MemoryAuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

func (s *MemoryAuditStore) lenLocked() int {
	if s.full {
		return len(s.recent)
	}
	return s.head
}

// atLocked returns the i-th newest event (0 = newest).
func (s *MemoryAuditStore) atLocked(i int) audit.Event {
	idx := (s.head - 1 - i + len(s.recent)) % len(s.recent)
	return s.recent[idx]
}

// GetRecent returns the n most recent events (newest first).
func (s *MemoryAuditStore) GetRecent(n int) []audit.Event {
	return s.Query(audit.Filter{Limit: n})
}

// Query returns events matching the filter, newest first.
func (s *MemoryAuditStore) Query(filter audit.Filter) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var result []audit.Event
	total := s.lenLocked()
	for i := 0; i < total && len(result) < limit; i++ {
		if e := s.atLocked(i); filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result
}

// Compile-time interface verification.
var _ audit.EventStore = (*MemoryAuditStore)(nil)

package abuse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordMap is an in-test ViolationStore guarded by one mutex.
type recordMap struct {
	mu      sync.Mutex
	records map[string]ViolationRecord
	ttls    map[string]time.Duration
}

func newRecordMap() *recordMap {
	return &recordMap{records: make(map[string]ViolationRecord), ttls: make(map[string]time.Duration)}
}

func (m *recordMap) LoadViolations(_ context.Context, key string) (ViolationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key], nil
}

func (m *recordMap) UpdateViolations(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) (ViolationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := fn(m.records[key])
	m.records[key] = next
	m.ttls[key] = ttl
	return next, nil
}

func TestDetector_ExactlyThirdViolationBlocks(t *testing.T) {
	t.Parallel()

	d := NewDetector(newRecordMap(), DefaultPolicy())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		tr, err := d.RecordViolation(ctx, "vendor-42", "search", "minute_exceeded", now)
		if err != nil {
			t.Fatalf("RecordViolation() error = %v", err)
		}
		st, err := d.Status(ctx, "vendor-42", "search", now)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if i < 3 && st.Blocked(now) {
			t.Fatalf("blocked after %d violations, want not blocked", i)
		}
		if i == 3 {
			if tr.From != LevelWarned || tr.To != LevelShortBlocked || !tr.Changed() {
				t.Errorf("transition = %v -> %v, want warned -> short_blocked", tr.From, tr.To)
			}
			if !st.Blocked(now) {
				t.Error("not blocked after 3rd violation")
			}
			if st.Classification != ClassAbusive {
				t.Errorf("Classification = %v, want abusive", st.Classification)
			}
		}
	}
}

func TestDetector_PairsAreIndependent(t *testing.T) {
	t.Parallel()

	d := NewDetector(newRecordMap(), DefaultPolicy())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := d.RecordViolation(ctx, "a", "search", "minute_exceeded", t0); err != nil {
			t.Fatalf("RecordViolation() error = %v", err)
		}
	}
	st, _ := d.Status(ctx, "a", "upload", t0)
	if st.Level != LevelClean {
		t.Errorf("other endpoint Level = %v, want clean", st.Level)
	}
	st, _ = d.Status(ctx, "b", "search", t0)
	if st.Level != LevelClean {
		t.Errorf("other caller Level = %v, want clean", st.Level)
	}
}

func TestDetector_StatusAppliesDecay(t *testing.T) {
	t.Parallel()

	d := NewDetector(newRecordMap(), DefaultPolicy())
	ctx := context.Background()
	if _, err := d.RecordViolation(ctx, "a", "search", "minute_exceeded", t0); err != nil {
		t.Fatalf("RecordViolation() error = %v", err)
	}
	st, _ := d.Status(ctx, "a", "search", t0.Add(24*time.Hour))
	if st.Level != LevelClean {
		t.Errorf("Level = %v, want clean after clean period", st.Level)
	}
}

func TestDetector_RefreshPersistsDecay(t *testing.T) {
	t.Parallel()

	store := newRecordMap()
	d := NewDetector(store, DefaultPolicy())
	ctx := context.Background()
	if _, err := d.RecordViolation(ctx, "a", "search", "minute_exceeded", t0); err != nil {
		t.Fatalf("RecordViolation() error = %v", err)
	}

	st, tr, err := d.Refresh(ctx, "a", "search", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tr.Changed() || st.Level != LevelWarned {
		t.Errorf("before clean period: level %v, transition %v -> %v", st.Level, tr.From, tr.To)
	}

	later := t0.Add(25 * time.Hour)
	st, tr, err = d.Refresh(ctx, "a", "search", later)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tr.From != LevelWarned || tr.To != LevelClean || st.Level != LevelClean {
		t.Errorf("transition = %v -> %v, level %v, want warned -> clean", tr.From, tr.To, st.Level)
	}
	if got := store.records[RecordKey("a", "search")]; got.Level != LevelClean || !got.LastViolation.IsZero() {
		t.Errorf("stored record = %+v, want zero", got)
	}

	// The decay is reported once.
	if _, tr, _ = d.Refresh(ctx, "a", "search", later); tr.Changed() {
		t.Errorf("second Refresh() transition = %v -> %v", tr.From, tr.To)
	}
}

func TestDetector_RecordOutlivesDecay(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	store := newRecordMap()
	d := NewDetector(store, p)
	ctx := context.Background()

	// Three violations short block, the fourth long blocks.
	var tr Transition
	var err error
	for i := 0; i < 4; i++ {
		if tr, err = d.RecordViolation(ctx, "a", "search", "minute_exceeded", t0); err != nil {
			t.Fatalf("RecordViolation() error = %v", err)
		}
	}
	if tr.To != LevelLongBlocked {
		t.Fatalf("level = %v, want long_blocked", tr.To)
	}

	decayAt := t0.Add(p.CleanPeriod)
	if tr.Record.BlockedUntil.After(decayAt) {
		decayAt = tr.Record.BlockedUntil
	}
	ttl := store.ttls[RecordKey("a", "search")]
	if expiry := t0.Add(ttl); expiry.Sub(decayAt) < p.CleanPeriod {
		t.Errorf("record expires %v after decay is due, want at least %v", expiry.Sub(decayAt), p.CleanPeriod)
	}
}

// garbledStore holds undecodable records for the keys in garbled. Like the
// real stores, an update hands fn a zero record and replaces the garbage.
type garbledStore struct {
	*recordMap
	garbled map[string]bool
}

func (g *garbledStore) LoadViolations(ctx context.Context, key string) (ViolationRecord, error) {
	g.mu.Lock()
	bad := g.garbled[key]
	g.mu.Unlock()
	if bad {
		return ViolationRecord{}, fmt.Errorf("decode %s: %w", key, ErrCorruptRecord)
	}
	return g.recordMap.LoadViolations(ctx, key)
}

func (g *garbledStore) UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (ViolationRecord, error) {
	g.mu.Lock()
	if g.garbled[key] {
		delete(g.garbled, key)
		delete(g.records, key)
	}
	g.mu.Unlock()
	return g.recordMap.UpdateViolations(ctx, key, ttl, fn)
}

func TestDetector_CorruptRecordReadsClean(t *testing.T) {
	t.Parallel()

	key := RecordKey("a", "search")
	store := &garbledStore{recordMap: newRecordMap(), garbled: map[string]bool{key: true}}
	d := NewDetector(store, DefaultPolicy())
	ctx := context.Background()

	st, err := d.Status(ctx, "a", "search", t0)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Level != LevelClean {
		t.Errorf("Status() level = %v, want clean", st.Level)
	}

	st, tr, err := d.Refresh(ctx, "a", "search", t0)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if st.Level != LevelClean || tr.Changed() {
		t.Errorf("Refresh() = level %v, transition %v -> %v", st.Level, tr.From, tr.To)
	}
	if store.garbled[key] {
		t.Error("undecodable record was not overwritten")
	}

	tr, err = d.RecordViolation(ctx, "a", "search", "minute_exceeded", t0)
	if err != nil {
		t.Fatalf("RecordViolation() error = %v", err)
	}
	if tr.From != LevelClean || tr.To != LevelWarned {
		t.Errorf("transition = %v -> %v, want clean -> warned", tr.From, tr.To)
	}
}

func TestDetector_Reset(t *testing.T) {
	t.Parallel()

	d := NewDetector(newRecordMap(), DefaultPolicy())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = d.RecordViolation(ctx, "a", "search", "minute_exceeded", t0)
	}
	tr, err := d.Reset(ctx, "a", "search")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if tr.From != LevelShortBlocked || tr.To != LevelClean {
		t.Errorf("transition = %v -> %v, want short_blocked -> clean", tr.From, tr.To)
	}
	st, _ := d.Status(ctx, "a", "search", t0)
	if st.Blocked(t0) {
		t.Error("still blocked after reset")
	}
}

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quotaguard/quotaguard/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeEvent(ts time.Time, caller string) audit.Event {
	return audit.NewDenyEvent(audit.Subject{
		CallerIdentity: caller,
		Tier:           "free",
		EndpointClass:  "search",
	}, "clean", "minute_exceeded", 45, false, ts)
}

func readLines(t *testing.T, path string) []audit.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []audit.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "events")
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("directory permissions = %o, want 0700", perm)
	}
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore(FileConfig{}, testLogger()); err == nil {
		t.Error("NewFileStore() with empty dir should fail")
	}
}

func TestFileStore_AppendWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	if err := store.Append(context.Background(), makeEvent(now, "vendor-1"), makeEvent(now, "vendor-2")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	got := readLines(t, filepath.Join(dir, eventFilename(now.Format(dateLayout), 0)))
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2", len(got))
	}
	if got[0].CallerIdentity != "vendor-1" || got[1].CallerIdentity != "vendor-2" {
		t.Errorf("callers = %q, %q", got[0].CallerIdentity, got[1].CallerIdentity)
	}
	if got[0].Kind != audit.KindDeny {
		t.Errorf("Kind = %q, want %q", got[0].Kind, audit.KindDeny)
	}
}

func TestFileStore_DateRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	day1 := time.Now().UTC()
	day2 := day1.AddDate(0, 0, 1)
	if err := store.Append(context.Background(), makeEvent(day1, "a"), makeEvent(day2, "b")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_ = store.Flush(context.Background())

	for _, tc := range []struct {
		day    time.Time
		caller string
	}{{day1, "a"}, {day2, "b"}} {
		got := readLines(t, filepath.Join(dir, eventFilename(tc.day.Format(dateLayout), 0)))
		if len(got) != 1 || got[0].CallerIdentity != tc.caller {
			t.Errorf("file for %s = %+v, want one event from %s", tc.day.Format(dateLayout), got, tc.caller)
		}
	}
}

func TestFileStore_SizeRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()
	store.maxSize = 1

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := store.Append(context.Background(), makeEvent(now, fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	_ = store.Flush(context.Background())

	date := now.Format(dateLayout)
	for i := 0; i < 3; i++ {
		got := readLines(t, filepath.Join(dir, eventFilename(date, i)))
		if len(got) != 1 {
			t.Errorf("suffix %d: lines = %d, want 1", i, len(got))
		}
	}
}

func TestFileStore_ReopenContinuesHighestSuffix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	date := time.Now().UTC().Format(dateLayout)
	for _, name := range []string{eventFilename(date, 0), eventFilename(date, 2)} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0600); err != nil {
			t.Fatal(err)
		}
	}

	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	if store.suffix != 2 {
		t.Errorf("suffix = %d, want 2", store.suffix)
	}
}

func TestFileStore_Retention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2026, 6, 20, 12, 0, 0, 0, time.UTC)
	old := eventFilename("2026-06-01", 0)
	oldSuffix := eventFilename("2026-06-12", 3)
	keep := eventFilename("2026-06-14", 0)
	other := "notes.txt"
	for _, name := range []string{old, oldSuffix, keep, other} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	store, err := newFileStore(FileConfig{Dir: dir, RetentionDays: 7}, testLogger(), func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	for name, want := range map[string]bool{old: false, oldSuffix: false, keep: true, other: true} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", name, exists, want)
		}
	}
}

func TestFileStore_LoadRecent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	day1 := time.Now().UTC().AddDate(0, 0, -1)
	day2 := day1.AddDate(0, 0, 1)
	for i := 0; i < 4; i++ {
		_ = store.Append(context.Background(), makeEvent(day1, fmt.Sprintf("old-%d", i)))
	}
	for i := 0; i < 2; i++ {
		_ = store.Append(context.Background(), makeEvent(day2, fmt.Sprintf("new-%d", i)))
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Garbage lines are skipped.
	f, err := os.OpenFile(filepath.Join(dir, eventFilename(day2.Format(dateLayout), 0)), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("not json\n")
	_ = f.Close()

	reopened, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.LoadRecent(3)
	if err != nil {
		t.Fatalf("LoadRecent() error: %v", err)
	}
	want := []string{"old-3", "new-0", "new-1"}
	if len(got) != len(want) {
		t.Fatalf("LoadRecent(3) = %d events, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.CallerIdentity != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, e.CallerIdentity, want[i])
		}
	}

	if got, _ := reopened.LoadRecent(0); got != nil {
		t.Errorf("LoadRecent(0) = %v, want nil", got)
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = store.Append(context.Background(), makeEvent(now, fmt.Sprintf("c-%d-%d", i, j)))
			}
		}(i)
	}
	wg.Wait()
	_ = store.Flush(context.Background())

	got := readLines(t, filepath.Join(dir, eventFilename(now.Format(dateLayout), 0)))
	if len(got) != 200 {
		t.Errorf("lines = %d, want 200", len(got))
	}
}

func TestFileStore_CloseStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store, err := NewFileStore(FileConfig{Dir: t.TempDir(), CleanupInterval: time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := store.Append(context.Background(), makeEvent(time.Now(), "late")); err == nil {
		t.Error("Append() after Close should fail")
	}
}

func TestParseEventFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ok     bool
		date   string
		suffix int
	}{
		{"events-2026-03-14.jsonl", true, "2026-03-14", 0},
		{"events-2026-03-14-4.jsonl", true, "2026-03-14", 4},
		{"events-2026-03-14.log", false, "", 0},
		{"audit-2026-03-14.jsonl", false, "", 0},
	}
	for _, tt := range tests {
		got, ok := parseEventFilename(tt.name)
		if ok != tt.ok {
			t.Errorf("parseEventFilename(%q) ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && (got.date != tt.date || got.suffix != tt.suffix) {
			t.Errorf("parseEventFilename(%q) = %+v", tt.name, got)
		}
	}
}

func TestFileStore_DirectoryIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	if second, err := NewFileStore(FileConfig{Dir: dir}, testLogger()); err == nil {
		_ = second.Close()
		t.Fatal("second NewFileStore() on a locked directory succeeded")
	} else if !errors.Is(err, errDirLocked) {
		t.Errorf("error = %v, want errDirLocked", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	reopened, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() after Close error: %v", err)
	}
	_ = reopened.Close()
}

// Package audit persists decision and escalation events as JSON Lines files
// with daily rotation, a size cap per file and retention cleanup.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/audit"
)

const dateLayout = "2006-01-02"

// eventFilePattern matches events-YYYY-MM-DD.jsonl and events-YYYY-MM-DD-N.jsonl.
var eventFilePattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

type eventFile struct {
	name   string
	date   string
	suffix int
}

func parseEventFilename(name string) (eventFile, bool) {
	m := eventFilePattern.FindStringSubmatch(name)
	if m == nil {
		return eventFile{}, false
	}
	f := eventFile{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return eventFile{}, false
		}
		f.suffix = n
	}
	return f, true
}

func eventFilename(date string, suffix int) string {
	if suffix == 0 {
		return "events-" + date + ".jsonl"
	}
	return fmt.Sprintf("events-%s-%d.jsonl", date, suffix)
}

// FileConfig configures a FileStore.
type FileConfig struct {
	// Dir holds the event files. Created with 0700 when missing.
	Dir string
	// RetentionDays is how long files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers a size rotation within one day (default 100).
	MaxFileSizeMB int
	// CleanupInterval is how often retention runs (default 1h).
	CleanupInterval time.Duration
}

// FileStore implements audit.EventStore on rotating JSONL files. Events are
// filed by the UTC date of their timestamp.
type FileStore struct {
	dir           string
	maxSize       int64
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
	now           func() time.Time
	lock          *dirLock

	mu     sync.Mutex
	file   *os.File
	date   string
	size   int64
	suffix int
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFileStore opens the store, applies retention once and starts the
// retention loop.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	return newFileStore(cfg, logger, time.Now)
}

func newFileStore(cfg FileConfig, logger *slog.Logger, now func() time.Time) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("event directory is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create event directory: %w", err)
	}
	lock, err := lockDir(cfg.Dir)
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		dir:           cfg.Dir,
		maxSize:       int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		interval:      cfg.CleanupInterval,
		logger:        logger,
		now:           now,
		lock:          lock,
	}

	s.mu.Lock()
	err = s.openLocked(s.now().UTC().Format(dateLayout), s.highestSuffix(s.now().UTC().Format(dateLayout)))
	s.mu.Unlock()
	if err != nil {
		_ = lock.release()
		return nil, err
	}

	s.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes each event as one JSON line, rotating on date change or size.
func (s *FileStore) Append(_ context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("event file store closed")
	}
	for _, e := range events {
		date := e.Timestamp.UTC().Format(dateLayout)
		if date != s.date {
			if err := s.openLocked(date, s.highestSuffix(date)); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.size >= s.maxSize {
			if err := s.openLocked(s.date, s.suffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		n, err := s.file.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		s.size += int64(n)
	}
	return nil
}

// Flush syncs the current file.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

// Close stops the retention loop and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.file != nil {
		_ = s.file.Sync()
		err = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if lerr := s.lock.release(); err == nil {
		err = lerr
	}
	return err
}

// openLocked switches to the file for date and suffix. Must be called with s.mu held.
func (s *FileStore) openLocked(date string, suffix int) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}
	name := eventFilename(date, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", name, err)
	}
	s.file, s.date, s.suffix, s.size = f, date, suffix, info.Size()
	return nil
}

func (s *FileStore) listFiles() []eventFile {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var files []eventFile
	for _, e := range entries {
		if f, ok := parseEventFilename(e.Name()); ok {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
	return files
}

func (s *FileStore) highestSuffix(date string) int {
	highest := 0
	for _, f := range s.listFiles() {
		if f.date == date && f.suffix > highest {
			highest = f.suffix
		}
	}
	return highest
}

// Cleanup deletes files dated before the retention cutoff.
func (s *FileStore) Cleanup() {
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays).Format(dateLayout)
	deleted := 0
	for _, f := range s.listFiles() {
		if f.date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Error("event retention: failed to delete file", "file", f.name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("event retention completed", "deleted", deleted)
	}
}

func (s *FileStore) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// LoadRecent returns up to n of the newest events on disk, oldest first.
// Malformed lines are skipped. Used to warm the in-memory recent buffer at boot.
func (s *FileStore) LoadRecent(n int) ([]audit.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	files := s.listFiles()
	var out []audit.Event
	for i := len(files) - 1; i >= 0 && len(out) < n; i-- {
		events, err := s.readFile(files[i].name)
		if err != nil {
			return nil, err
		}
		if need := n - len(out); len(events) > need {
			events = events[len(events)-need:]
		}
		out = append(events, out...)
	}
	return out, nil
}

func (s *FileStore) readFile(name string) ([]audit.Event, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping malformed event line", "file", name, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read %s: %w", name, err)
	}
	return events, nil
}

// Compile-time interface verification.
var _ audit.EventStore = (*FileStore)(nil)

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/abuse"
	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
	"github.com/quotaguard/quotaguard/internal/port/outbound"
)

// maxCASRetries bounds optimistic retries of a violation record update.
const maxCASRetries = 8

// Config holds connection settings.
type Config struct {
	Dialect  Dialect
	DSN      string
	MaxConns int
	MaxIdle  int
	// SweepInterval controls how often expired rows are deleted. Zero disables the sweeper.
	SweepInterval time.Duration
}

// Store implements outbound.Backend on a SQL database.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	now      func() time.Time
	interval time.Duration
	migrate  bool
	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithoutMigration skips schema creation. The schema must already exist.
func WithoutMigration() Option {
	return func(s *Store) { s.migrate = false }
}

// Open connects to the database described by cfg and creates the schema.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}
	d, err := ParseDialect(string(cfg.Dialect))
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}

	// SQLite only supports one writer at a time. A single connection
	// serializes access and avoids "database is locked" errors.
	if d == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d, err)
	}

	if d == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("failed to set busy timeout", "error", err)
		}
	}

	s, err := New(ctx, db, d, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.interval = cfg.SweepInterval
	return s, nil
}

// New wraps an existing connection and runs Migrate unless WithoutMigration is given.
func New(ctx context.Context, db *sql.DB, d Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: database connection is required")
	}
	if _, err := ParseDialect(string(d)); err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		dialect:  d,
		now:      time.Now,
		migrate:  true,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.migrate {
		return s, nil
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// IncrementAndGet upserts the counter in one statement. An expired row
// restarts from cost with a fresh expiry.
func (s *Store) IncrementAndGet(ctx context.Context, key string, ttl time.Duration, cost int64) (int64, time.Duration, error) {
	now := s.now()
	nowMS := now.UnixMilli()
	exp := now.Add(ttl).UnixMilli()
	if exp <= nowMS {
		exp = nowMS + 1
	}

	var hits, expiresAt int64
	if s.dialect == DialectMySQL {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.dialect.upsertCounter(), key, cost, exp, nowMS, nowMS); err != nil {
				return err
			}
			return tx.QueryRowContext(ctx,
				`SELECT hits, expires_at FROM qg_window_counters WHERE counter_key = ?`, key,
			).Scan(&hits, &expiresAt)
		})
		if err != nil {
			return 0, 0, wrapErr("increment", err)
		}
	} else {
		err := s.db.QueryRowContext(ctx, s.dialect.upsertCounter(), key, cost, exp, nowMS, nowMS).Scan(&hits, &expiresAt)
		if err != nil {
			return 0, 0, wrapErr("increment", err)
		}
	}
	return hits, time.Duration(expiresAt-nowMS) * time.Millisecond, nil
}

// BatchRead returns the live counters among keys in one query.
func (s *Store) BatchRead(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, s.now().UnixMilli())

	query := s.dialect.rebind(`SELECT counter_key, hits FROM qg_window_counters WHERE counter_key IN (` +
		s.dialect.inClause(len(keys)) + `) AND expires_at > ?`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("batch read", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapErr("batch read", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("batch read", err)
	}
	return out, nil
}

type storedRecord struct {
	record  abuse.ViolationRecord
	version int64
	exists  bool
}

func (s *Store) loadRecord(ctx context.Context, key string) (storedRecord, error) {
	var payload string
	var version, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT payload, version, expires_at FROM qg_violation_records WHERE record_key = ?`), key,
	).Scan(&payload, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storedRecord{}, nil
	}
	if err != nil {
		return storedRecord{}, wrapErr("load violations", err)
	}
	out := storedRecord{version: version, exists: true}
	if expiresAt <= s.now().UnixMilli() {
		// Expired rows keep their version so the CAS still guards them.
		return out, nil
	}
	if err := json.Unmarshal([]byte(payload), &out.record); err != nil {
		// The version is kept so the next write can replace the row.
		out.record = abuse.ViolationRecord{}
		return out, fmt.Errorf("sql load violations %s: %w: %w: %w", key, ratelimit.ErrStoreRejected, abuse.ErrCorruptRecord, err)
	}
	return out, nil
}

// LoadViolations returns the live record at key or a zero record.
func (s *Store) LoadViolations(ctx context.Context, key string) (abuse.ViolationRecord, error) {
	cur, err := s.loadRecord(ctx, key)
	if err != nil {
		return abuse.ViolationRecord{}, err
	}
	return cur.record, nil
}

// UpdateViolations applies fn with a version compare-and-swap, retrying
// when another writer got there first. A row that cannot be decoded is replaced.
func (s *Store) UpdateViolations(ctx context.Context, key string, ttl time.Duration, fn abuse.UpdateFunc) (abuse.ViolationRecord, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := s.loadRecord(ctx, key)
		if err != nil && !errors.Is(err, abuse.ErrCorruptRecord) {
			return abuse.ViolationRecord{}, err
		}
		next := fn(cur.record)
		data, err := json.Marshal(next)
		if err != nil {
			return abuse.ViolationRecord{}, fmt.Errorf("encode violation record: %w", err)
		}
		exp := s.now().Add(ttl).UnixMilli()

		var res sql.Result
		if cur.exists {
			res, err = s.db.ExecContext(ctx,
				s.dialect.rebind(`UPDATE qg_violation_records SET payload = ?, version = version + 1, expires_at = ? WHERE record_key = ? AND version = ?`),
				string(data), exp, key, cur.version)
		} else {
			res, err = s.db.ExecContext(ctx, s.dialect.insertRecord(), key, string(data), exp)
		}
		if err != nil {
			return abuse.ViolationRecord{}, wrapErr("update violations", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return abuse.ViolationRecord{}, wrapErr("update violations", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return abuse.ViolationRecord{}, fmt.Errorf("sql update violations %s: %w", key, abuse.ErrConflict)
}

// Sweep deletes expired counters and records and returns how many rows went.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	nowMS := s.now().UnixMilli()
	var total int64
	for _, table := range []string{"qg_window_counters", "qg_violation_records"} {
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM `+table+` WHERE expires_at <= ?`), nowMS)
		if err != nil {
			return total, wrapErr("sweep", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// StartSweeper deletes expired rows every SweepInterval until ctx is
// cancelled or Stop is called. It does nothing when the interval is zero.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.interval
	}
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					slog.Warn("sql store sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Debug("sql store sweep completed", "deleted_rows", n)
				}
			}
		}
	}()
}

// Stop stops the sweeper and waits for it to exit. Safe to call multiple times.
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Name implements outbound.Backend.
func (s *Store) Name() string {
	return "sql/" + string(s.dialect)
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.Stop()
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrapErr tags deadline errors with ratelimit.ErrStoreTimeout.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sql %s: %w: %w", op, ratelimit.ErrStoreTimeout, err)
	}
	return fmt.Errorf("sql %s: %w", op, err)
}

// Compile-time interface verification.
var _ outbound.Backend = (*Store)(nil)

// Package sqlstore implements the relational fallback store for window
// counters and violation records. It supports SQLite, Postgres and MySQL.
package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect validates a dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case DialectSQLite, DialectPostgres, DialectMySQL:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", name)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// schema returns the DDL statements, one per Exec.
func (d Dialect) schema() []string {
	keyType := "TEXT"
	if d == DialectMySQL {
		// MySQL cannot index unbounded TEXT.
		keyType = "VARCHAR(512)"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS qg_window_counters (
    counter_key ` + keyType + ` NOT NULL PRIMARY KEY,
    hits BIGINT NOT NULL DEFAULT 0,
    expires_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS qg_violation_records (
    record_key ` + keyType + ` NOT NULL PRIMARY KEY,
    payload TEXT NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    expires_at BIGINT NOT NULL
)`,
	}
}

// upsertCounter adds to a live counter or restarts an expired one.
// Args: key, cost, expiresAt, now, now.
func (d Dialect) upsertCounter() string {
	if d == DialectMySQL {
		// Column references in ON DUPLICATE KEY UPDATE see values assigned
		// earlier in the same clause, so hits is assigned before expires_at.
		return `INSERT INTO qg_window_counters (counter_key, hits, expires_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE
    hits = IF(expires_at <= ?, VALUES(hits), hits + VALUES(hits)),
    expires_at = IF(expires_at <= ?, VALUES(expires_at), expires_at)`
	}
	return d.rebind(`INSERT INTO qg_window_counters (counter_key, hits, expires_at) VALUES (?, ?, ?)
ON CONFLICT (counter_key) DO UPDATE SET
    hits = CASE WHEN qg_window_counters.expires_at <= ? THEN excluded.hits ELSE qg_window_counters.hits + excluded.hits END,
    expires_at = CASE WHEN qg_window_counters.expires_at <= ? THEN excluded.expires_at ELSE qg_window_counters.expires_at END
RETURNING hits, expires_at`)
}

// insertRecord inserts a violation record unless the key exists.
func (d Dialect) insertRecord() string {
	switch d {
	case DialectMySQL:
		return `INSERT IGNORE INTO qg_violation_records (record_key, payload, version, expires_at) VALUES (?, ?, 1, ?)`
	default:
		return d.rebind(`INSERT INTO qg_violation_records (record_key, payload, version, expires_at) VALUES (?, ?, 1, ?)
ON CONFLICT (record_key) DO NOTHING`)
	}
}

func (d Dialect) inClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

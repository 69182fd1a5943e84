// Package state provides SQLite-backed storage implementations.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the durable record store shared by the session, settings and
// telemetry stores. SQLite serialises writers, so a single connection keeps
// read-modify-write sequences from tripping over SQLITE_BUSY.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{sql: conn, path: path}
	if err := db.ensureSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		prompt       TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		completed_at INTEGER,
		updates      TEXT NOT NULL DEFAULT '[]',
		result       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		id            TEXT PRIMARY KEY,
		prompt        TEXT NOT NULL,
		product       TEXT NOT NULL DEFAULT '',
		action        TEXT NOT NULL DEFAULT '',
		method        TEXT NOT NULL DEFAULT '',
		confidence    REAL NOT NULL,
		next_step     TEXT NOT NULL,
		coach_message TEXT NOT NULL DEFAULT '',
		result_status TEXT NOT NULL,
		coached       INTEGER NOT NULL DEFAULT 0,
		latency_ms    INTEGER,
		ts            INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(ts);
	`
	_, err := d.sql.Exec(schema)
	return err
}

// Timestamps are stored as unix nanoseconds so they round-trip exactly.
func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

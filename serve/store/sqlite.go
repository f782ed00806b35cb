package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps all coordination state in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-host deployments where workers are goroutines or local processes
//     sharing one database file
//
// WAL mode is enabled so streaming readers don't block the writer, and the
// connection pool is capped at one connection because SQLite supports a
// single writer at a time.
type SQLiteStore struct {
	sqlStore
	path string
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT NOT NULL PRIMARY KEY,
		thread_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		suspended INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(thread_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT NOT NULL PRIMARY KEY,
		thread_id TEXT NOT NULL,
		assistant_id TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		start_checkpoint_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE TABLE IF NOT EXISTS run_queue (
		run_id TEXT NOT NULL PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		lease_expiry INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_order ON run_queue(enqueued_at)`,
	`CREATE TABLE IF NOT EXISTS thread_locks (
		thread_id TEXT NOT NULL PRIMARY KEY,
		run_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT NOT NULL PRIMARY KEY,
		spec TEXT NOT NULL,
		assistant_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		next_fire_at INTEGER NOT NULL,
		last_fired_at INTEGER NOT NULL DEFAULT 0,
		end_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(next_fire_at)`,
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./serve.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and schema, enables WAL
// mode, and sets a busy timeout so concurrent local workers wait for the
// writer instead of failing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db: db,
			dialect: dialect{
				name:   "sqlite",
				schema: sqliteSchema,
				isDup:  isSQLiteDup,
			},
		},
		path: path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func isSQLiteDup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

var _ Store = (*SQLiteStore)(nil)

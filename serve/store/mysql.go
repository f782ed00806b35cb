package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for production fleets where independent worker and scheduler
// processes on multiple hosts coordinate through a shared database. All of
// the conditional writes (claims, thread locks, schedule advances) are plain
// single-statement UPDATEs/INSERTs, so InnoDB's row-level locking provides
// the required atomicity without explicit transactions.
type MySQLStore struct {
	sqlStore
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		thread_id VARCHAR(64) NOT NULL,
		parent_id VARCHAR(64) NOT NULL DEFAULT '',
		seq BIGINT NOT NULL,
		run_id VARCHAR(64) NOT NULL,
		payload LONGTEXT NOT NULL,
		suspended TINYINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		UNIQUE KEY uniq_thread_seq (thread_id, seq),
		INDEX idx_checkpoints_thread (thread_id, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		thread_id VARCHAR(64) NOT NULL,
		assistant_id VARCHAR(255) NOT NULL,
		input LONGTEXT NOT NULL,
		start_checkpoint_id VARCHAR(64) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		error TEXT NOT NULL,
		attempt INT NOT NULL DEFAULT 0,
		cancel_requested TINYINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		started_at BIGINT NOT NULL DEFAULT 0,
		ended_at BIGINT NOT NULL DEFAULT 0,
		INDEX idx_runs_thread (thread_id, created_at),
		INDEX idx_runs_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS run_queue (
		run_id VARCHAR(64) NOT NULL PRIMARY KEY,
		owner VARCHAR(64) NOT NULL DEFAULT '',
		lease_expiry BIGINT NOT NULL DEFAULT 0,
		enqueued_at BIGINT NOT NULL,
		INDEX idx_queue_order (enqueued_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS thread_locks (
		thread_id VARCHAR(64) NOT NULL PRIMARY KEY,
		run_id VARCHAR(64) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		spec VARCHAR(255) NOT NULL,
		assistant_id VARCHAR(255) NOT NULL,
		thread_id VARCHAR(64) NOT NULL DEFAULT '',
		input LONGTEXT NOT NULL,
		next_fire_at BIGINT NOT NULL,
		last_fired_at BIGINT NOT NULL DEFAULT 0,
		end_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		INDEX idx_schedules_due (next_fire_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN format follows the go-sql-driver convention:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// Never hardcode credentials; read the DSN from configuration or the
// environment. The store verifies connectivity, configures the connection
// pool, and creates the schema if missing.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{
		sqlStore: sqlStore{
			db: db,
			dialect: dialect{
				name:   "mysql",
				schema: mysqlSchema,
				isDup:  isMySQLDup,
			},
		},
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// isMySQLDup reports whether err is a duplicate-key violation (error 1062).
func isMySQLDup(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ Store = (*MySQLStore)(nil)

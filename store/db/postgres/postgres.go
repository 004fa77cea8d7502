// Package postgres implements the store contract on PostgreSQL via lib/pq.
// All optional capabilities are supported: audit trail, locks, idempotency
// keys, timer claims, step listing, and the operator surface.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/hrygo/durable/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens a connection pool for the given DSN. The schema is created by
// Migrate, which the service calls through the Init lifecycle hook.
func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: db}, nil
}

var _ store.Driver = (*DB)(nil)
var _ store.Lifecycle = (*DB)(nil)
var _ store.AuditDriver = (*DB)(nil)
var _ store.LockDriver = (*DB)(nil)
var _ store.IdempotencyDriver = (*DB)(nil)
var _ store.TimerClaimDriver = (*DB)(nil)
var _ store.StepListDriver = (*DB)(nil)
var _ store.OperatorDriver = (*DB)(nil)

// Init pings the database and applies the schema.
func (d *DB) Init(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "failed to ping database")
	}
	return d.Migrate(ctx)
}

func (d *DB) Dispose(_ context.Context) error {
	return d.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS durable_execution (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		input JSONB,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		timeout_ms BIGINT NOT NULL DEFAULT 0,
		result JSONB,
		error JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		cancel_requested_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_durable_execution_status ON durable_execution (status)`,
	`CREATE TABLE IF NOT EXISTS durable_step_result (
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		result JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (execution_id, step_id)
	)`,
	`CREATE TABLE IF NOT EXISTS durable_timer (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		fire_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		execution_id TEXT,
		step_id TEXT,
		task_id TEXT,
		input JSONB,
		schedule_id TEXT,
		claimed_by TEXT,
		claim_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_durable_timer_fire_at ON durable_timer (status, fire_at)`,
	`CREATE TABLE IF NOT EXISTS durable_schedule (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		input JSONB,
		status TEXT NOT NULL DEFAULT 'active',
		last_run TIMESTAMPTZ,
		next_run TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS durable_audit_entry (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		attempt INTEGER NOT NULL,
		kind TEXT NOT NULL,
		fields JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_durable_audit_execution ON durable_audit_entry (execution_id, id)`,
	`CREATE TABLE IF NOT EXISTS durable_lock (
		resource TEXT PRIMARY KEY,
		lock_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS durable_idempotency_key (
		task_id TEXT NOT NULL,
		key TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (task_id, key)
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration")
		}
	}
	return nil
}

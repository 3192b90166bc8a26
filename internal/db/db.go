// Package db owns the Postgres connection and tracking-row schema: the
// event log and the MR-chain/comment-poller tracking rows named in spec
// §6. Grounded on the teacher's internal/db/db.go (schemaV1 string,
// Migrate/Reset pattern, schema_version bookkeeping table), generalized
// from a single-writer SQLite file to a pgx connection pool so the PR
// poller and MR chain manager can share one database concurrently.
package db

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// DefaultDSN returns the connection string from STAGEHAND_DATABASE_URL, or
// a local default suitable for development.
func DefaultDSN() string {
	if v := os.Getenv("STAGEHAND_DATABASE_URL"); v != "" {
		return v
	}
	return "postgres://localhost:5432/stagehand?sslmode=disable"
}

// Open opens a pool against dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases every pooled connection.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pool for advanced queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_events (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    stage_id    TEXT NOT NULL,
    event       TEXT NOT NULL CHECK (event IN ('started','active','idle','exited','steer','human_input')),
    exit_code   INTEGER,
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
    metadata    JSONB
);
CREATE INDEX IF NOT EXISTS idx_session_latest ON session_events (session_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_session_stage ON session_events (stage_id);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    stage_id    TEXT NOT NULL,
    event       TEXT NOT NULL,
    detail      TEXT,
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_stage ON pipeline_events (stage_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS parent_branch_tracking (
    id               BIGSERIAL PRIMARY KEY,
    child_stage_id   TEXT NOT NULL,
    parent_stage_id  TEXT NOT NULL,
    parent_branch    TEXT NOT NULL,
    parent_pr_url    TEXT,
    last_known_head  TEXT,
    is_merged        BOOLEAN NOT NULL DEFAULT FALSE,
    last_checked     TEXT,
    UNIQUE (child_stage_id, parent_stage_id)
);
CREATE INDEX IF NOT EXISTS idx_parent_tracking_child ON parent_branch_tracking (child_stage_id);
CREATE INDEX IF NOT EXISTS idx_parent_tracking_parent ON parent_branch_tracking (parent_stage_id);

CREATE TABLE IF NOT EXISTS comment_tracking (
    stage_id                    TEXT NOT NULL,
    repo_id                     TEXT NOT NULL,
    last_poll_timestamp         TEXT,
    last_known_unresolved_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (stage_id, repo_id)
);
`

// Migrate applies the schema idempotently.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops every table and re-applies the schema. Used by tests against
// a disposable database.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{"comment_tracking", "parent_branch_tracking", "pipeline_events", "session_events", "schema_version"}
	for _, t := range tables {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}

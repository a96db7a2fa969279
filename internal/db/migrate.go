package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations holds the schema DDL. Statements are portable between SQLite and
// PostgreSQL; all timestamps are stored in UTC.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		remote_url TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (path)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		location_path TEXT NOT NULL,
		status TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		initial_prompt TEXT NOT NULL DEFAULT '',
		repository_id TEXT,
		worktree_branch TEXT,
		owning_process_id INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		base_commit TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workers_session ON workers(session_id)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at)`,

	`CREATE TABLE IF NOT EXISTS inbound_event_notifications (
		job_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		handler_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		event_type TEXT NOT NULL DEFAULT '',
		event_summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		notified_at TIMESTAMP,
		PRIMARY KEY (job_id, session_id, worker_id, handler_id)
	)`,
}

// Migrate applies the schema to the given writer connection. Statements are
// idempotent so Migrate is safe to run on every startup.
func Migrate(writer *sqlx.DB) error {
	for i, stmt := range migrations {
		if _, err := writer.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

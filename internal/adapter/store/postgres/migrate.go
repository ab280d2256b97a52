package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. Kept as one block so a
// fresh database and a restarted server run the same path.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS queues (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		metadata      JSONB NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL,
		last_modified TIMESTAMPTZ NOT NULL,
		etag          BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT PRIMARY KEY,
		queue_id          TEXT NOT NULL,
		task_name         TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		args              JSONB NOT NULL DEFAULT '{}',
		metadata          JSONB NOT NULL DEFAULT '{}',
		summary           JSONB NOT NULL DEFAULT '{}',
		cmd               TEXT NOT NULL DEFAULT '',
		heartbeat_timeout BIGINT NOT NULL,
		task_timeout      BIGINT,
		max_retries       INT NOT NULL,
		retries           INT NOT NULL DEFAULT 0,
		priority          INT NOT NULL,
		worker_id         TEXT,
		start_time        TIMESTAMPTZ,
		last_heartbeat    TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		last_modified     TIMESTAMPTZ NOT NULL,
		etag              BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id            TEXT PRIMARY KEY,
		queue_id      TEXT NOT NULL,
		worker_name   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		metadata      JSONB NOT NULL DEFAULT '{}',
		max_retries   INT NOT NULL,
		retries       INT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL,
		last_modified TIMESTAMPTZ NOT NULL,
		etag          BIGINT NOT NULL DEFAULT 1
	)`,
	// Fetch scan: pending tasks of a queue in dispatch order.
	`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch
		ON tasks (queue_id, priority DESC, created_at ASC, id ASC)
		WHERE status = 'pending'`,
	// Reaper scan: running tasks by heartbeat age.
	`CREATE INDEX IF NOT EXISTS idx_tasks_running
		ON tasks (last_heartbeat ASC)
		WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_queue_created
		ON tasks (queue_id, created_at ASC, id ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_queue_created
		ON workers (queue_id, created_at ASC, id ASC)`,
}

// Migrate applies the schema. Safe to call on every startup.
func Migrate(ctx context.Context, p PgxPool) error {
	for _, stmt := range schema {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=store.migrate: %w", err)
		}
	}
	return nil
}

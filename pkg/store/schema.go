package store

// schema is applied once at startup with CREATE TABLE IF NOT EXISTS, so
// repeated boots against an already-migrated database are harmless. A
// dedicated migration tool (e.g. golang-migrate) is not introduced here: the
// teacher repo has no SQL migration story either (it persists to BoltDB),
// so this follows the simplest pattern that fits a single-binary deploy.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	queue_name       TEXT NOT NULL,
	task_name        TEXT NOT NULL,
	partition_id     INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	input            JSONB,
	priority         INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 3,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	timeout_seconds  INTEGER NOT NULL DEFAULT 300,
	idempotency_key  TEXT,
	output           JSONB,
	metadata         JSONB NOT NULL DEFAULT '{}',
	scheduled_at     TIMESTAMPTZ,
	error_message    TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (queue_name, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_tasks_dequeue
	ON tasks (queue_name, partition_id, status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_queue_status ON tasks (queue_name, status);

CREATE TABLE IF NOT EXISTS task_runs (
	id                TEXT PRIMARY KEY,
	task_id           TEXT NOT NULL REFERENCES tasks(id),
	attempt_number    INTEGER NOT NULL,
	worker_id         TEXT NOT NULL,
	assigned_node_id  TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'RUNNING',
	output            JSONB,
	error_message     TEXT,
	lease_expires_at  TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at      TIMESTAMPTZ,
	last_heartbeat    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs (task_id);
CREATE INDEX IF NOT EXISTS idx_task_runs_expired_leases ON task_runs (status, lease_expires_at);

CREATE TABLE IF NOT EXISTS task_signals (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL REFERENCES tasks(id),
	signal_name     TEXT NOT NULL,
	payload         JSONB,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	delivered_at    TIMESTAMPTZ,
	acknowledged_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_task_signals_task ON task_signals (task_id, status);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	queue_name     TEXT NOT NULL,
	task_name      TEXT NOT NULL,
	input          JSONB,
	error_message  TEXT,
	attempt_count  INTEGER NOT NULL,
	metadata       JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_dlq_queue ON dead_letter_queue (queue_name, created_at DESC);

CREATE TABLE IF NOT EXISTS task_logs (
	id            BIGSERIAL PRIMARY KEY,
	task_run_id   TEXT NOT NULL,
	timestamp_ms  BIGINT NOT NULL,
	level         TEXT NOT NULL,
	message       TEXT NOT NULL,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_task_logs_run ON task_logs (task_run_id, id);
`

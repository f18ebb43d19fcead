package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/types"
	"github.com/iwhitebird/valka/pkg/verrors"
)

const advisoryLockID = 0x56414C4B41 // "VALKA" in hex, valka-scheduler/src/election.rs

// Postgres is the pgx-backed implementation of Store (spec §4, component G
// plus the storage half of H/J/N).
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to Postgres and applies the schema (idempotent CREATE TABLE
// IF NOT EXISTS). The returned Store owns the connection pool.
func Open(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, verrors.InternalWrap("connecting to postgres", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, verrors.InternalWrap("applying schema", err)
	}
	return &Postgres{pool: pool, logger: log.WithComponent("store")}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// fetchOptional runs query and returns (zero, false, nil) if it produced no
// rows, rather than erroring: the tasks/task_runs queries in
// original_source use fetch_optional for exactly this "row may not exist"
// shape (e.g. status-guarded UPDATE ... RETURNING).
func fetchOptional[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (T, bool, error) {
	var zero T
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return zero, false, verrors.Store(err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		return zero, false, verrors.Store(err)
	}
	if len(result) == 0 {
		return zero, false, nil
	}
	return result[0], true, nil
}

func fetchMany[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, verrors.Store(err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		return nil, verrors.Store(err)
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func jsonOrDefault(b []byte, def string) string {
	if len(b) == 0 {
		return def
	}
	return string(b)
}

func jsonOrNil(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

// --- tasks ---

type taskRow struct {
	ID             string     `db:"id"`
	QueueName      string     `db:"queue_name"`
	TaskName       string     `db:"task_name"`
	PartitionID    int32      `db:"partition_id"`
	Status         string     `db:"status"`
	Input          []byte     `db:"input"`
	Priority       int32      `db:"priority"`
	MaxRetries     int32      `db:"max_retries"`
	AttemptCount   int32      `db:"attempt_count"`
	TimeoutSeconds int32      `db:"timeout_seconds"`
	IdempotencyKey *string    `db:"idempotency_key"`
	Output         []byte     `db:"output"`
	Metadata       []byte     `db:"metadata"`
	ScheduledAt    *time.Time `db:"scheduled_at"`
	ErrorMessage   *string    `db:"error_message"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r taskRow) toTask() types.Task {
	status, _ := types.ParseTaskStatus(r.Status)
	return types.Task{
		ID:             r.ID,
		QueueName:      r.QueueName,
		TaskName:       r.TaskName,
		PartitionID:    r.PartitionID,
		Status:         status,
		Priority:       r.Priority,
		MaxRetries:     r.MaxRetries,
		AttemptCount:   r.AttemptCount,
		TimeoutSeconds: r.TimeoutSeconds,
		IdempotencyKey: r.IdempotencyKey,
		Input:          r.Input,
		Output:         r.Output,
		Metadata:       r.Metadata,
		ScheduledAt:    r.ScheduledAt,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (p *Postgres) CreateTask(ctx context.Context, params CreateTaskParams) (types.Task, error) {
	row, _, err := fetchOptional[taskRow](ctx, p.pool, `
		INSERT INTO tasks (id, queue_name, task_name, partition_id, input, priority, max_retries,
		                    timeout_seconds, idempotency_key, metadata, scheduled_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10::jsonb, $11)
		RETURNING *`,
		params.ID, params.QueueName, params.TaskName, params.PartitionID,
		jsonOrNil(params.Input), params.Priority, params.MaxRetries, params.TimeoutSeconds,
		params.IdempotencyKey, jsonOrDefault(params.Metadata, "{}"), params.ScheduledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			key := ""
			if params.IdempotencyKey != nil {
				key = *params.IdempotencyKey
			}
			return types.Task{}, verrors.IdempotencyConflict(key)
		}
		return types.Task{}, err
	}
	return row.toTask(), nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (types.Task, bool, error) {
	row, ok, err := fetchOptional[taskRow](ctx, p.pool, `SELECT * FROM tasks WHERE id = $1`, taskID)
	if err != nil || !ok {
		return types.Task{}, ok, err
	}
	return row.toTask(), true, nil
}

func (p *Postgres) ListTasks(ctx context.Context, queueName, status *string, limit, offset int64) ([]types.Task, error) {
	rows, err := fetchMany[taskRow](ctx, p.pool, `
		SELECT * FROM tasks
		WHERE ($1::text IS NULL OR queue_name = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		queueName, status, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

func (p *Postgres) DistinctQueueNames(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT queue_name FROM tasks`)
	if err != nil {
		return nil, verrors.Store(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, verrors.Store(err)
	}
	return names, nil
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, newStatus types.TaskStatus) (types.Task, bool, error) {
	row, ok, err := fetchOptional[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING *`, taskID, newStatus.String())
	if err != nil || !ok {
		return types.Task{}, ok, err
	}
	return row.toTask(), true, nil
}

func (p *Postgres) IncrementAttemptCount(ctx context.Context, taskID string) (types.Task, bool, error) {
	row, ok, err := fetchOptional[taskRow](ctx, p.pool, `
		UPDATE tasks SET attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING *`, taskID)
	if err != nil || !ok {
		return types.Task{}, ok, err
	}
	return row.toTask(), true, nil
}

// DequeueTasks is the SKIP LOCKED dequeue at the heart of component G:
// it claims up to batchSize PENDING tasks for (queueName, partitionID),
// ordered highest-priority-first then oldest-first, flipping them to
// DISPATCHING atomically so no other reader can also claim them.
func (p *Postgres) DequeueTasks(ctx context.Context, queueName string, partitionID int32, batchSize int32) ([]types.Task, error) {
	rows, err := fetchMany[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = 'DISPATCHING', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE queue_name = $1 AND partition_id = $2 AND status = 'PENDING'
			  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, queueName, partitionID, batchSize)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

func (p *Postgres) CancelTask(ctx context.Context, taskID string) (types.Task, bool, error) {
	row, ok, err := fetchOptional[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = 'CANCELLED', updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'RETRY', 'RUNNING', 'DISPATCHING')
		RETURNING *`, taskID)
	if err != nil || !ok {
		return types.Task{}, ok, err
	}
	return row.toTask(), true, nil
}

func (p *Postgres) ScheduleRetry(ctx context.Context, taskID string, scheduledAt time.Time) (types.Task, bool, error) {
	row, ok, err := fetchOptional[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = 'RETRY', scheduled_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING *`, taskID, scheduledAt)
	if err != nil || !ok {
		return types.Task{}, ok, err
	}
	return row.toTask(), true, nil
}

func (p *Postgres) FindRetryCandidates(ctx context.Context) ([]types.Task, error) {
	rows, err := fetchMany[taskRow](ctx, p.pool, `
		SELECT * FROM tasks
		WHERE status = 'RETRY' AND scheduled_at IS NULL
		LIMIT 100`)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

func (p *Postgres) FindDeadLetterCandidates(ctx context.Context) ([]types.Task, error) {
	rows, err := fetchMany[taskRow](ctx, p.pool, `
		SELECT * FROM tasks
		WHERE status = 'FAILED' AND attempt_count >= max_retries
		LIMIT 100`)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

func (p *Postgres) MoveToDeadLetter(ctx context.Context, taskID string) (types.Task, bool, error) {
	row, ok, err := fetchOptional[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = 'DEAD_LETTER', updated_at = NOW()
		WHERE id = $1
		RETURNING *`, taskID)
	if err != nil || !ok {
		return types.Task{}, ok, err
	}
	return row.toTask(), true, nil
}

func (p *Postgres) PromoteDelayedTasks(ctx context.Context) ([]types.Task, error) {
	rows, err := fetchMany[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = 'PENDING', scheduled_at = NULL, updated_at = NOW()
		WHERE status = 'RETRY' AND scheduled_at <= NOW()
		RETURNING *`)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

func (p *Postgres) RecoverOrphanedDispatching(ctx context.Context) ([]types.Task, error) {
	rows, err := fetchMany[taskRow](ctx, p.pool, `
		UPDATE tasks SET status = 'PENDING', updated_at = NOW()
		WHERE status = 'DISPATCHING'
		  AND id NOT IN (SELECT task_id FROM task_runs WHERE status = 'RUNNING')
		RETURNING *`)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return out, nil
}

// --- task runs ---

type taskRunRow struct {
	ID             string     `db:"id"`
	TaskID         string     `db:"task_id"`
	AttemptNumber  int32      `db:"attempt_number"`
	WorkerID       string     `db:"worker_id"`
	AssignedNodeID string     `db:"assigned_node_id"`
	Status         string     `db:"status"`
	Output         []byte     `db:"output"`
	ErrorMessage   *string    `db:"error_message"`
	LeaseExpiresAt time.Time  `db:"lease_expires_at"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	LastHeartbeat  time.Time  `db:"last_heartbeat"`
}

func (r taskRunRow) toTaskRun() types.TaskRun {
	return types.TaskRun{
		ID:             r.ID,
		TaskID:         r.TaskID,
		AttemptNumber:  r.AttemptNumber,
		WorkerID:       r.WorkerID,
		AssignedNodeID: r.AssignedNodeID,
		Status:         types.RunStatus(r.Status),
		Output:         r.Output,
		ErrorMessage:   r.ErrorMessage,
		LeaseExpiresAt: r.LeaseExpiresAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		LastHeartbeat:  r.LastHeartbeat,
	}
}

// Dispatch runs attempt-increment, status flip, and run insert inside a
// single pgx transaction so a mid-sequence failure rolls back entirely,
// leaving the task in its prior status rather than half-dispatched.
func (p *Postgres) Dispatch(ctx context.Context, taskID, runID, workerID, assignedNodeID string, leaseExpiresAt time.Time) (types.Task, types.TaskRun, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return types.Task{}, types.TaskRun{}, verrors.Store(err)
	}
	defer tx.Rollback(ctx)

	taskRows, err := tx.Query(ctx, `
		UPDATE tasks SET attempt_count = attempt_count + 1, status = 'RUNNING', updated_at = NOW()
		WHERE id = $1
		RETURNING *`, taskID)
	if err != nil {
		return types.Task{}, types.TaskRun{}, verrors.Store(err)
	}
	task, err := pgx.CollectExactlyOneRow(taskRows, pgx.RowToStructByName[taskRow])
	if err != nil {
		return types.Task{}, types.TaskRun{}, verrors.Store(err)
	}

	runRows, err := tx.Query(ctx, `
		INSERT INTO task_runs (id, task_id, attempt_number, worker_id, assigned_node_id, lease_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`, runID, taskID, task.AttemptCount, workerID, assignedNodeID, leaseExpiresAt)
	if err != nil {
		return types.Task{}, types.TaskRun{}, verrors.Store(err)
	}
	run, err := pgx.CollectExactlyOneRow(runRows, pgx.RowToStructByName[taskRunRow])
	if err != nil {
		return types.Task{}, types.TaskRun{}, verrors.Store(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Task{}, types.TaskRun{}, verrors.Store(err)
	}
	return task.toTask(), run.toTaskRun(), nil
}

func (p *Postgres) CreateTaskRun(ctx context.Context, params CreateTaskRunParams) (types.TaskRun, error) {
	row, _, err := fetchOptional[taskRunRow](ctx, p.pool, `
		INSERT INTO task_runs (id, task_id, attempt_number, worker_id, assigned_node_id, lease_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		params.ID, params.TaskID, params.AttemptNumber, params.WorkerID,
		params.AssignedNodeID, params.LeaseExpiresAt)
	if err != nil {
		return types.TaskRun{}, err
	}
	return row.toTaskRun(), nil
}

func (p *Postgres) CompleteTaskRun(ctx context.Context, runID string, output []byte) (types.TaskRun, bool, error) {
	row, ok, err := fetchOptional[taskRunRow](ctx, p.pool, `
		UPDATE task_runs SET status = 'COMPLETED', output = $2::jsonb, completed_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING *`, runID, jsonOrNil(output))
	if err != nil || !ok {
		return types.TaskRun{}, ok, err
	}
	return row.toTaskRun(), true, nil
}

func (p *Postgres) FailTaskRun(ctx context.Context, runID, errorMessage string) (types.TaskRun, bool, error) {
	row, ok, err := fetchOptional[taskRunRow](ctx, p.pool, `
		UPDATE task_runs SET status = 'FAILED', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING *`, runID, errorMessage)
	if err != nil || !ok {
		return types.TaskRun{}, ok, err
	}
	return row.toTaskRun(), true, nil
}

func (p *Postgres) UpdateHeartbeat(ctx context.Context, runID string, newLeaseExpiresAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task_runs SET last_heartbeat = NOW(), lease_expires_at = $2
		WHERE id = $1 AND status = 'RUNNING'`, runID, newLeaseExpiresAt)
	if err != nil {
		return false, verrors.Store(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) UpdateHeartbeatByTask(ctx context.Context, taskID string, newLeaseExpiresAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task_runs SET last_heartbeat = NOW(), lease_expires_at = $2
		WHERE task_id = $1 AND status = 'RUNNING'`, taskID, newLeaseExpiresAt)
	if err != nil {
		return false, verrors.Store(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) FindExpiredLeases(ctx context.Context) ([]types.TaskRun, error) {
	rows, err := fetchMany[taskRunRow](ctx, p.pool, `
		SELECT * FROM task_runs WHERE status = 'RUNNING' AND lease_expires_at < NOW()`)
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskRun, len(rows))
	for i, r := range rows {
		out[i] = r.toTaskRun()
	}
	return out, nil
}

func (p *Postgres) GetTaskRun(ctx context.Context, runID string) (types.TaskRun, bool, error) {
	row, ok, err := fetchOptional[taskRunRow](ctx, p.pool, `SELECT * FROM task_runs WHERE id = $1`, runID)
	if err != nil || !ok {
		return types.TaskRun{}, ok, err
	}
	return row.toTaskRun(), true, nil
}

func (p *Postgres) GetRunsForTask(ctx context.Context, taskID string) ([]types.TaskRun, error) {
	rows, err := fetchMany[taskRunRow](ctx, p.pool, `
		SELECT * FROM task_runs WHERE task_id = $1 ORDER BY attempt_number DESC`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskRun, len(rows))
	for i, r := range rows {
		out[i] = r.toTaskRun()
	}
	return out, nil
}

// --- signals ---

type signalRow struct {
	ID             string     `db:"id"`
	TaskID         string     `db:"task_id"`
	SignalName     string     `db:"signal_name"`
	Payload        []byte     `db:"payload"`
	Status         string     `db:"status"`
	CreatedAt      time.Time  `db:"created_at"`
	DeliveredAt    *time.Time `db:"delivered_at"`
	AcknowledgedAt *time.Time `db:"acknowledged_at"`
}

func (r signalRow) toSignal() types.Signal {
	return types.Signal{
		ID:             r.ID,
		TaskID:         r.TaskID,
		SignalName:     r.SignalName,
		Payload:        r.Payload,
		Status:         types.SignalStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		DeliveredAt:    r.DeliveredAt,
		AcknowledgedAt: r.AcknowledgedAt,
	}
}

func (p *Postgres) CreateSignal(ctx context.Context, id, taskID, signalName string, payload []byte) (types.Signal, error) {
	row, _, err := fetchOptional[signalRow](ctx, p.pool, `
		INSERT INTO task_signals (id, task_id, signal_name, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING *`, id, taskID, signalName, jsonOrNil(payload))
	if err != nil {
		return types.Signal{}, err
	}
	return row.toSignal(), nil
}

func (p *Postgres) GetPendingSignals(ctx context.Context, taskID string) ([]types.Signal, error) {
	rows, err := fetchMany[signalRow](ctx, p.pool, `
		SELECT * FROM task_signals WHERE task_id = $1 AND status = 'PENDING' ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Signal, len(rows))
	for i, r := range rows {
		out[i] = r.toSignal()
	}
	return out, nil
}

func (p *Postgres) MarkDelivered(ctx context.Context, signalID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task_signals SET status = 'DELIVERED', delivered_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, signalID)
	if err != nil {
		return false, verrors.Store(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) MarkAcknowledged(ctx context.Context, signalID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task_signals SET status = 'ACKNOWLEDGED', acknowledged_at = NOW()
		WHERE id = $1 AND status = 'DELIVERED'`, signalID)
	if err != nil {
		return false, verrors.Store(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ResetDeliveredSignals(ctx context.Context, taskID string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task_signals SET status = 'PENDING', delivered_at = NULL
		WHERE task_id = $1 AND status = 'DELIVERED'`, taskID)
	if err != nil {
		return 0, verrors.Store(err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ListSignals(ctx context.Context, taskID string, statusFilter *types.SignalStatus) ([]types.Signal, error) {
	var filter *string
	if statusFilter != nil {
		s := string(*statusFilter)
		filter = &s
	}
	rows, err := fetchMany[signalRow](ctx, p.pool, `
		SELECT * FROM task_signals
		WHERE task_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at ASC`, taskID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]types.Signal, len(rows))
	for i, r := range rows {
		out[i] = r.toSignal()
	}
	return out, nil
}

// --- dead letter queue ---

type deadLetterRow struct {
	ID           string    `db:"id"`
	TaskID       string    `db:"task_id"`
	QueueName    string    `db:"queue_name"`
	TaskName     string    `db:"task_name"`
	Input        []byte    `db:"input"`
	ErrorMessage *string   `db:"error_message"`
	AttemptCount int32     `db:"attempt_count"`
	Metadata     []byte    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r deadLetterRow) toDeadLetter() types.DeadLetter {
	return types.DeadLetter{
		ID:           r.ID,
		TaskID:       r.TaskID,
		QueueName:    r.QueueName,
		TaskName:     r.TaskName,
		Input:        r.Input,
		ErrorMessage: r.ErrorMessage,
		AttemptCount: r.AttemptCount,
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt,
	}
}

func (p *Postgres) InsertDeadLetter(ctx context.Context, dl types.DeadLetter) (types.DeadLetter, error) {
	row, _, err := fetchOptional[deadLetterRow](ctx, p.pool, `
		INSERT INTO dead_letter_queue (id, task_id, queue_name, task_name, input, error_message, attempt_count, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8::jsonb)
		RETURNING *`,
		dl.ID, dl.TaskID, dl.QueueName, dl.TaskName, jsonOrNil(dl.Input),
		dl.ErrorMessage, dl.AttemptCount, jsonOrDefault(dl.Metadata, "{}"))
	if err != nil {
		return types.DeadLetter{}, err
	}
	return row.toDeadLetter(), nil
}

func (p *Postgres) ListDeadLetters(ctx context.Context, queueName *string, limit, offset int64) ([]types.DeadLetter, error) {
	rows, err := fetchMany[deadLetterRow](ctx, p.pool, `
		SELECT * FROM dead_letter_queue
		WHERE ($1::text IS NULL OR queue_name = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, queueName, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]types.DeadLetter, len(rows))
	for i, r := range rows {
		out[i] = r.toDeadLetter()
	}
	return out, nil
}

// --- task logs ---

type taskLogRow struct {
	ID          int64     `db:"id"`
	TaskRunID   string    `db:"task_run_id"`
	TimestampMs int64     `db:"timestamp_ms"`
	Level       string    `db:"level"`
	Message     string    `db:"message"`
	Metadata    []byte    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r taskLogRow) toTaskLog() types.TaskLog {
	return types.TaskLog{
		ID:          r.ID,
		TaskRunID:   r.TaskRunID,
		TimestampMs: r.TimestampMs,
		Level:       types.ParseLogLevel(r.Level),
		Message:     r.Message,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
	}
}

// BatchInsertLogs uses UNNEST to bulk-insert a batch of log lines in a
// single round trip (spec §4.8, task_logs.rs's batch_insert_logs).
func (p *Postgres) BatchInsertLogs(ctx context.Context, entries []InsertLogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	taskRunIDs := make([]string, len(entries))
	timestamps := make([]int64, len(entries))
	levels := make([]string, len(entries))
	messages := make([]string, len(entries))
	metadata := make([]*string, len(entries))

	for i, e := range entries {
		taskRunIDs[i] = e.TaskRunID
		timestamps[i] = e.TimestampMs
		levels[i] = e.Level.String()
		messages[i] = e.Message
		metadata[i] = jsonOrNil(e.Metadata)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO task_logs (task_run_id, timestamp_ms, level, message, metadata)
		SELECT * FROM UNNEST($1::text[], $2::bigint[], $3::text[], $4::text[], $5::jsonb[])`,
		taskRunIDs, timestamps, levels, messages, metadata)
	if err != nil {
		return 0, verrors.Store(err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) GetLogsForRun(ctx context.Context, taskRunID string, limit int64, afterID *int64) ([]types.TaskLog, error) {
	rows, err := fetchMany[taskLogRow](ctx, p.pool, `
		SELECT * FROM task_logs
		WHERE task_run_id = $1 AND ($3::bigint IS NULL OR id > $3)
		ORDER BY timestamp_ms ASC
		LIMIT $2`, taskRunID, limit, afterID)
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskLog, len(rows))
	for i, r := range rows {
		out[i] = r.toTaskLog()
	}
	return out, nil
}

// --- scheduler leader election ---

// TryAcquireLeaderLock attempts the non-blocking Postgres advisory lock
// backing single-leader scheduler election (spec §4.7, §9; election.rs).
// Because pg_try_advisory_lock is session-scoped, this must run on the same
// pooled connection for the lifetime of leadership; callers hold the
// returned lock for as long as they remain leader and call
// ReleaseLeaderLock to step down.
func (p *Postgres) TryAcquireLeaderLock(ctx context.Context) (bool, error) {
	var acquired bool
	err := p.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockID).Scan(&acquired)
	if err != nil {
		return false, verrors.Store(err)
	}
	if acquired {
		p.logger.Info().Msg("acquired scheduler leadership")
	}
	return acquired, nil
}

func (p *Postgres) ReleaseLeaderLock(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
		return verrors.Store(err)
	}
	p.logger.Info().Msg("released scheduler leadership")
	return nil
}

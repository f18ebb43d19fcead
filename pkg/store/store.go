// Package store implements the relational persistence layer: tasks, task
// runs, signals, the dead-letter queue, task logs, and the scheduler's
// leader-election advisory lock (spec §3, §4.2, §4.3, §4.7; component G and
// the storage half of components H, J, N). Grounded on
// original_source/crates/valka-db/src/queries/*.rs for exact query
// semantics, and on the teacher's pkg/storage Store-interface pattern for
// shape.
package store

import (
	"context"
	"time"

	"github.com/iwhitebird/valka/pkg/types"
)

// CreateTaskParams carries the fields a client supplies when creating a
// task (spec §4.3 create_task operation); server-assigned fields (id,
// status, attempt_count, timestamps) are not part of it.
type CreateTaskParams struct {
	ID             string
	QueueName      string
	TaskName       string
	PartitionID    int32
	Input          []byte
	Priority       int32
	MaxRetries     int32
	TimeoutSeconds int32
	IdempotencyKey *string
	Metadata       []byte
	ScheduledAt    *time.Time
}

// CreateTaskRunParams carries the fields needed to open a new dispatch
// attempt for a task (spec §4.6).
type CreateTaskRunParams struct {
	ID             string
	TaskID         string
	AttemptNumber  int32
	WorkerID       string
	AssignedNodeID string
	LeaseExpiresAt time.Time
}

// InsertLogEntry is one line of a batched worker log upload (spec §4.8).
type InsertLogEntry struct {
	TaskRunID   string
	TimestampMs int64
	Level       types.LogLevel
	Message     string
	Metadata    []byte
}

// Store is the full relational persistence surface. A single Postgres
// implementation (Postgres, in postgres.go) backs it; the interface exists
// so dispatcher/scheduler/matching components can be tested against an
// in-memory fake.
type Store interface {
	// Tasks (spec §4.3)
	CreateTask(ctx context.Context, params CreateTaskParams) (types.Task, error)
	GetTask(ctx context.Context, taskID string) (types.Task, bool, error)
	ListTasks(ctx context.Context, queueName, status *string, limit, offset int64) ([]types.Task, error)
	// DistinctQueueNames returns every queue name that has ever had a task
	// created for it, for the reader manager's partition-ownership
	// reconciliation (spec §4.9).
	DistinctQueueNames(ctx context.Context) ([]string, error)
	UpdateTaskStatus(ctx context.Context, taskID string, newStatus types.TaskStatus) (types.Task, bool, error)
	IncrementAttemptCount(ctx context.Context, taskID string) (types.Task, bool, error)
	DequeueTasks(ctx context.Context, queueName string, partitionID int32, batchSize int32) ([]types.Task, error)
	CancelTask(ctx context.Context, taskID string) (types.Task, bool, error)
	ScheduleRetry(ctx context.Context, taskID string, scheduledAt time.Time) (types.Task, bool, error)
	MoveToDeadLetter(ctx context.Context, taskID string) (types.Task, bool, error)
	PromoteDelayedTasks(ctx context.Context) ([]types.Task, error)
	RecoverOrphanedDispatching(ctx context.Context) ([]types.Task, error)

	// FindRetryCandidates returns RETRY tasks that don't yet have a
	// scheduled_at, capped at 100 per call (spec §4.7, the scheduler's
	// retry-backoff loop).
	FindRetryCandidates(ctx context.Context) ([]types.Task, error)
	// FindDeadLetterCandidates returns FAILED tasks whose attempt_count has
	// reached max_retries, capped at 100 per call (spec §4.7 DLQ loop).
	FindDeadLetterCandidates(ctx context.Context) ([]types.Task, error)

	// Dispatch atomically increments attempt_count, flips the task to
	// RUNNING, and inserts its TaskRun row, per spec §4.6's "assign
	// atomically" requirement. It is the only multi-table write modeled as
	// a single transaction rather than composed from the calls below.
	Dispatch(ctx context.Context, taskID, runID, workerID, assignedNodeID string, leaseExpiresAt time.Time) (types.Task, types.TaskRun, error)

	// Task runs (spec §4.6, §4.7)
	CreateTaskRun(ctx context.Context, params CreateTaskRunParams) (types.TaskRun, error)
	CompleteTaskRun(ctx context.Context, runID string, output []byte) (types.TaskRun, bool, error)
	FailTaskRun(ctx context.Context, runID, errorMessage string) (types.TaskRun, bool, error)
	UpdateHeartbeat(ctx context.Context, runID string, newLeaseExpiresAt time.Time) (bool, error)
	UpdateHeartbeatByTask(ctx context.Context, taskID string, newLeaseExpiresAt time.Time) (bool, error)
	FindExpiredLeases(ctx context.Context) ([]types.TaskRun, error)
	GetTaskRun(ctx context.Context, runID string) (types.TaskRun, bool, error)
	GetRunsForTask(ctx context.Context, taskID string) ([]types.TaskRun, error)

	// Signals (spec §4.9)
	CreateSignal(ctx context.Context, id, taskID, signalName string, payload []byte) (types.Signal, error)
	GetPendingSignals(ctx context.Context, taskID string) ([]types.Signal, error)
	MarkDelivered(ctx context.Context, signalID string) (bool, error)
	MarkAcknowledged(ctx context.Context, signalID string) (bool, error)
	ResetDeliveredSignals(ctx context.Context, taskID string) (int64, error)
	ListSignals(ctx context.Context, taskID string, statusFilter *types.SignalStatus) ([]types.Signal, error)

	// Dead-letter queue (spec §4.7)
	InsertDeadLetter(ctx context.Context, dl types.DeadLetter) (types.DeadLetter, error)
	ListDeadLetters(ctx context.Context, queueName *string, limit, offset int64) ([]types.DeadLetter, error)

	// Task logs (spec §4.8)
	BatchInsertLogs(ctx context.Context, entries []InsertLogEntry) (int64, error)
	GetLogsForRun(ctx context.Context, taskRunID string, limit int64, afterID *int64) ([]types.TaskLog, error)

	// Scheduler leader election (spec §4.7, §9)
	TryAcquireLeaderLock(ctx context.Context) (bool, error)
	ReleaseLeaderLock(ctx context.Context) error

	Close()
}

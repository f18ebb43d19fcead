package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iwhitebird/valka/pkg/types"
	"github.com/iwhitebird/valka/pkg/verrors"
)

// Memory is an in-process Store used by other packages' tests, since a real
// pgx integration test needs a live Postgres connection. It reimplements the
// same guarded-update and SKIP-LOCKED-equivalent semantics as Postgres,
// minus concurrency-safe row locking (a single mutex serializes all calls).
type Memory struct {
	mu sync.Mutex

	tasks       map[string]types.Task
	runs        map[string]types.TaskRun
	signals     map[string]types.Signal
	deadLetters []types.DeadLetter
	logs        []types.TaskLog
	nextLogID   int64

	leaderHeld bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]types.Task),
		runs:    make(map[string]types.TaskRun),
		signals: make(map[string]types.Signal),
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateTask(ctx context.Context, params CreateTaskParams) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if params.IdempotencyKey != nil {
		for _, t := range m.tasks {
			if t.QueueName == params.QueueName && t.IdempotencyKey != nil && *t.IdempotencyKey == *params.IdempotencyKey {
				return types.Task{}, verrors.IdempotencyConflict(*params.IdempotencyKey)
			}
		}
	}

	now := time.Now().UTC()
	task := types.Task{
		ID:             params.ID,
		QueueName:      params.QueueName,
		TaskName:       params.TaskName,
		PartitionID:    params.PartitionID,
		Status:         types.StatusPending,
		Priority:       params.Priority,
		MaxRetries:     params.MaxRetries,
		TimeoutSeconds: params.TimeoutSeconds,
		IdempotencyKey: params.IdempotencyKey,
		Input:          params.Input,
		Metadata:       params.Metadata,
		ScheduledAt:    params.ScheduledAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.tasks[task.ID] = task
	return task, nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *Memory) DistinctQueueNames(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range m.tasks {
		if !seen[t.QueueName] {
			seen[t.QueueName] = true
			out = append(out, t.QueueName)
		}
	}
	return out, nil
}

func (m *Memory) ListTasks(ctx context.Context, queueName, status *string, limit, offset int64) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []types.Task
	for _, t := range m.tasks {
		if queueName != nil && t.QueueName != *queueName {
			continue
		}
		if status != nil && t.Status.String() != *status {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, limit, offset), nil
}

func paginate(tasks []types.Task, limit, offset int64) []types.Task {
	if offset >= int64(len(tasks)) {
		return nil
	}
	end := offset + limit
	if end > int64(len(tasks)) || limit <= 0 {
		end = int64(len(tasks))
	}
	return tasks[offset:end]
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, taskID string, newStatus types.TaskStatus) (types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return types.Task{}, false, nil
	}
	t.Status = newStatus
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return t, true, nil
}

func (m *Memory) IncrementAttemptCount(ctx context.Context, taskID string) (types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return types.Task{}, false, nil
	}
	t.AttemptCount++
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return t, true, nil
}

func (m *Memory) DequeueTasks(ctx context.Context, queueName string, partitionID int32, batchSize int32) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []types.Task
	now := time.Now().UTC()
	for _, t := range m.tasks {
		if t.QueueName != queueName || t.PartitionID != partitionID || t.Status != types.StatusPending {
			continue
		}
		if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if int32(len(candidates)) > batchSize {
		candidates = candidates[:batchSize]
	}
	for i := range candidates {
		candidates[i].Status = types.StatusDispatching
		candidates[i].UpdatedAt = now
		m.tasks[candidates[i].ID] = candidates[i]
	}
	return candidates, nil
}

func cancellableStatus(s types.TaskStatus) bool {
	switch s {
	case types.StatusPending, types.StatusRetry, types.StatusRunning, types.StatusDispatching:
		return true
	default:
		return false
	}
}

func (m *Memory) CancelTask(ctx context.Context, taskID string) (types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || !cancellableStatus(t.Status) {
		return types.Task{}, false, nil
	}
	t.Status = types.StatusCancelled
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return t, true, nil
}

func (m *Memory) ScheduleRetry(ctx context.Context, taskID string, scheduledAt time.Time) (types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return types.Task{}, false, nil
	}
	t.Status = types.StatusRetry
	t.ScheduledAt = &scheduledAt
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return t, true, nil
}

func (m *Memory) FindRetryCandidates(ctx context.Context) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Task
	for _, t := range m.tasks {
		if t.Status == types.StatusRetry && t.ScheduledAt == nil {
			out = append(out, t)
			if len(out) >= 100 {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) FindDeadLetterCandidates(ctx context.Context) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Task
	for _, t := range m.tasks {
		if t.Status == types.StatusFailed && t.AttemptCount >= t.MaxRetries {
			out = append(out, t)
			if len(out) >= 100 {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MoveToDeadLetter(ctx context.Context, taskID string) (types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return types.Task{}, false, nil
	}
	t.Status = types.StatusDeadLetter
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return t, true, nil
}

func (m *Memory) PromoteDelayedTasks(ctx context.Context) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var promoted []types.Task
	for id, t := range m.tasks {
		if t.Status == types.StatusRetry && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			t.Status = types.StatusPending
			t.ScheduledAt = nil
			t.UpdatedAt = now
			m.tasks[id] = t
			promoted = append(promoted, t)
		}
	}
	return promoted, nil
}

func (m *Memory) RecoverOrphanedDispatching(ctx context.Context) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := make(map[string]bool)
	for _, r := range m.runs {
		if r.Status == types.RunRunning {
			running[r.TaskID] = true
		}
	}

	var recovered []types.Task
	now := time.Now().UTC()
	for id, t := range m.tasks {
		if t.Status == types.StatusDispatching && !running[id] {
			t.Status = types.StatusPending
			t.UpdatedAt = now
			m.tasks[id] = t
			recovered = append(recovered, t)
		}
	}
	return recovered, nil
}

func (m *Memory) Dispatch(ctx context.Context, taskID, runID, workerID, assignedNodeID string, leaseExpiresAt time.Time) (types.Task, types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return types.Task{}, types.TaskRun{}, verrors.NotFound("task %s", taskID)
	}
	t.AttemptCount++
	t.Status = types.StatusRunning
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t

	now := time.Now().UTC()
	run := types.TaskRun{
		ID:             runID,
		TaskID:         taskID,
		AttemptNumber:  t.AttemptCount,
		WorkerID:       workerID,
		AssignedNodeID: assignedNodeID,
		Status:         types.RunRunning,
		LeaseExpiresAt: leaseExpiresAt,
		StartedAt:      now,
		LastHeartbeat:  now,
	}
	m.runs[run.ID] = run
	return t, run, nil
}

func (m *Memory) CreateTaskRun(ctx context.Context, params CreateTaskRunParams) (types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	run := types.TaskRun{
		ID:             params.ID,
		TaskID:         params.TaskID,
		AttemptNumber:  params.AttemptNumber,
		WorkerID:       params.WorkerID,
		AssignedNodeID: params.AssignedNodeID,
		Status:         types.RunRunning,
		LeaseExpiresAt: params.LeaseExpiresAt,
		StartedAt:      now,
		LastHeartbeat:  now,
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *Memory) CompleteTaskRun(ctx context.Context, runID string, output []byte) (types.TaskRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != types.RunRunning {
		return types.TaskRun{}, false, nil
	}
	now := time.Now().UTC()
	r.Status = types.RunCompleted
	r.Output = output
	r.CompletedAt = &now
	m.runs[runID] = r
	return r, true, nil
}

func (m *Memory) FailTaskRun(ctx context.Context, runID, errorMessage string) (types.TaskRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != types.RunRunning {
		return types.TaskRun{}, false, nil
	}
	now := time.Now().UTC()
	r.Status = types.RunFailed
	r.ErrorMessage = &errorMessage
	r.CompletedAt = &now
	m.runs[runID] = r
	return r, true, nil
}

func (m *Memory) UpdateHeartbeat(ctx context.Context, runID string, newLeaseExpiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != types.RunRunning {
		return false, nil
	}
	r.LastHeartbeat = time.Now().UTC()
	r.LeaseExpiresAt = newLeaseExpiresAt
	m.runs[runID] = r
	return true, nil
}

func (m *Memory) UpdateHeartbeatByTask(ctx context.Context, taskID string, newLeaseExpiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for id, r := range m.runs {
		if r.TaskID == taskID && r.Status == types.RunRunning {
			r.LastHeartbeat = time.Now().UTC()
			r.LeaseExpiresAt = newLeaseExpiresAt
			m.runs[id] = r
			found = true
		}
	}
	return found, nil
}

func (m *Memory) FindExpiredLeases(ctx context.Context) ([]types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var expired []types.TaskRun
	for _, r := range m.runs {
		if r.Status == types.RunRunning && r.LeaseExpiresAt.Before(now) {
			expired = append(expired, r)
		}
	}
	return expired, nil
}

func (m *Memory) GetTaskRun(ctx context.Context, runID string) (types.TaskRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	return r, ok, nil
}

func (m *Memory) GetRunsForTask(ctx context.Context, taskID string) ([]types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.TaskRun
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber > out[j].AttemptNumber })
	return out, nil
}

func (m *Memory) CreateSignal(ctx context.Context, id, taskID, signalName string, payload []byte) (types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := types.Signal{
		ID:         id,
		TaskID:     taskID,
		SignalName: signalName,
		Payload:    payload,
		Status:     types.SignalPending,
		CreatedAt:  time.Now().UTC(),
	}
	m.signals[id] = s
	return s, nil
}

func (m *Memory) GetPendingSignals(ctx context.Context, taskID string) ([]types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Signal
	for _, s := range m.signals {
		if s.TaskID == taskID && s.Status == types.SignalPending {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, signalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[signalID]
	if !ok || s.Status != types.SignalPending {
		return false, nil
	}
	now := time.Now().UTC()
	s.Status = types.SignalDelivered
	s.DeliveredAt = &now
	m.signals[signalID] = s
	return true, nil
}

func (m *Memory) MarkAcknowledged(ctx context.Context, signalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[signalID]
	if !ok || s.Status != types.SignalDelivered {
		return false, nil
	}
	now := time.Now().UTC()
	s.Status = types.SignalAcknowledged
	s.AcknowledgedAt = &now
	m.signals[signalID] = s
	return true, nil
}

func (m *Memory) ResetDeliveredSignals(ctx context.Context, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, s := range m.signals {
		if s.TaskID == taskID && s.Status == types.SignalDelivered {
			s.Status = types.SignalPending
			s.DeliveredAt = nil
			m.signals[id] = s
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListSignals(ctx context.Context, taskID string, statusFilter *types.SignalStatus) ([]types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Signal
	for _, s := range m.signals {
		if s.TaskID != taskID {
			continue
		}
		if statusFilter != nil && s.Status != *statusFilter {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertDeadLetter(ctx context.Context, dl types.DeadLetter) (types.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.CreatedAt = time.Now().UTC()
	m.deadLetters = append(m.deadLetters, dl)
	return dl, nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, queueName *string, limit, offset int64) ([]types.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []types.DeadLetter
	for _, dl := range m.deadLetters {
		if queueName != nil && dl.QueueName != *queueName {
			continue
		}
		matched = append(matched, dl)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if offset >= int64(len(matched)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(matched)) || limit <= 0 {
		end = int64(len(matched))
	}
	return matched[offset:end], nil
}

func (m *Memory) BatchInsertLogs(ctx context.Context, entries []InsertLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.nextLogID++
		m.logs = append(m.logs, types.TaskLog{
			ID:          m.nextLogID,
			TaskRunID:   e.TaskRunID,
			TimestampMs: e.TimestampMs,
			Level:       e.Level,
			Message:     e.Message,
			Metadata:    e.Metadata,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return int64(len(entries)), nil
}

func (m *Memory) GetLogsForRun(ctx context.Context, taskRunID string, limit int64, afterID *int64) ([]types.TaskLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.TaskLog
	for _, l := range m.logs {
		if l.TaskRunID != taskRunID {
			continue
		}
		if afterID != nil && l.ID <= *afterID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TryAcquireLeaderLock(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderHeld {
		return false, nil
	}
	m.leaderHeld = true
	return true, nil
}

func (m *Memory) ReleaseLeaderLock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderHeld = false
	return nil
}

var _ Store = (*Memory)(nil)

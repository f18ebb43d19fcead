package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/types"
)

func TestCreateTask_IdempotencyConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := "order-123"

	_, err := m.CreateTask(ctx, CreateTaskParams{ID: "t1", QueueName: "orders", TaskName: "ship", IdempotencyKey: &key})
	require.NoError(t, err)

	_, err = m.CreateTask(ctx, CreateTaskParams{ID: "t2", QueueName: "orders", TaskName: "ship", IdempotencyKey: &key})
	require.Error(t, err)
}

func TestCreateTask_SameKeyDifferentQueueIsAllowed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := "shared-key"

	_, err := m.CreateTask(ctx, CreateTaskParams{ID: "t1", QueueName: "orders", TaskName: "ship", IdempotencyKey: &key})
	require.NoError(t, err)

	_, err = m.CreateTask(ctx, CreateTaskParams{ID: "t2", QueueName: "emails", TaskName: "send", IdempotencyKey: &key})
	require.NoError(t, err)
}

func TestDequeueTasks_OrdersByPriorityThenAge(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	low, _ := m.CreateTask(ctx, CreateTaskParams{ID: "low", QueueName: "q", PartitionID: 0, Priority: 0})
	time.Sleep(time.Millisecond)
	high, _ := m.CreateTask(ctx, CreateTaskParams{ID: "high", QueueName: "q", PartitionID: 0, Priority: 10})
	_ = low
	_ = high

	batch, err := m.DequeueTasks(ctx, "q", 0, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "high", batch[0].ID)
	assert.Equal(t, types.StatusDispatching, batch[0].Status)
}

func TestDequeueTasks_RespectsScheduledAt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	m.CreateTask(ctx, CreateTaskParams{ID: "t1", QueueName: "q", PartitionID: 0, ScheduledAt: &future})

	batch, err := m.DequeueTasks(ctx, "q", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestCompleteTaskRun_RequiresRunningStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.CreateTask(ctx, CreateTaskParams{ID: "t1", QueueName: "q", PartitionID: 0})
	m.CreateTaskRun(ctx, CreateTaskRunParams{ID: "r1", TaskID: "t1", AttemptNumber: 1, LeaseExpiresAt: time.Now().Add(time.Minute)})

	_, ok, err := m.CompleteTaskRun(ctx, "r1", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, ok)

	// completing an already-completed run is a no-op, not an error
	_, ok, err = m.CompleteTaskRun(ctx, "r1", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindExpiredLeases(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.CreateTask(ctx, CreateTaskParams{ID: "t1", QueueName: "q", PartitionID: 0})
	m.CreateTaskRun(ctx, CreateTaskRunParams{ID: "r1", TaskID: "t1", AttemptNumber: 1, LeaseExpiresAt: time.Now().Add(-time.Second)})
	m.CreateTask(ctx, CreateTaskParams{ID: "t2", QueueName: "q", PartitionID: 0})
	m.CreateTaskRun(ctx, CreateTaskRunParams{ID: "r2", TaskID: "t2", AttemptNumber: 1, LeaseExpiresAt: time.Now().Add(time.Minute)})

	expired, err := m.FindExpiredLeases(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "r1", expired[0].ID)
}

func TestResetDeliveredSignals_OnlyAffectsDelivered(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	pending, _ := m.CreateSignal(ctx, "s1", "t1", "pause", nil)
	delivered, _ := m.CreateSignal(ctx, "s2", "t1", "resume", nil)
	m.MarkDelivered(ctx, delivered.ID)
	_ = pending

	count, err := m.ResetDeliveredSignals(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sigs, err := m.ListSignals(ctx, "t1", nil)
	require.NoError(t, err)
	for _, s := range sigs {
		assert.Equal(t, types.SignalPending, s.Status)
	}
}

func TestLeaderLock_MutualExclusion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	acquired, err := m.TryAcquireLeaderLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = m.TryAcquireLeaderLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, m.ReleaseLeaderLock(ctx))

	acquired, err = m.TryAcquireLeaderLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRecoverOrphanedDispatching_SkipsTasksWithRunningRun(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.CreateTask(ctx, CreateTaskParams{ID: "orphan", QueueName: "q", PartitionID: 0})
	m.UpdateTaskStatus(ctx, "orphan", types.StatusDispatching)

	m.CreateTask(ctx, CreateTaskParams{ID: "inflight", QueueName: "q", PartitionID: 0})
	m.UpdateTaskStatus(ctx, "inflight", types.StatusDispatching)
	m.CreateTaskRun(ctx, CreateTaskRunParams{ID: "r1", TaskID: "inflight", AttemptNumber: 1, LeaseExpiresAt: time.Now().Add(time.Minute)})

	recovered, err := m.RecoverOrphanedDispatching(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "orphan", recovered[0].ID)
}

func TestBatchInsertLogs_AndGetLogsForRunPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.BatchInsertLogs(ctx, []InsertLogEntry{
		{TaskRunID: "r1", TimestampMs: 1, Level: types.LogInfo, Message: "starting"},
		{TaskRunID: "r1", TimestampMs: 2, Level: types.LogInfo, Message: "done"},
		{TaskRunID: "r2", TimestampMs: 1, Level: types.LogError, Message: "unrelated"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	logs, err := m.GetLogsForRun(ctx, "r1", 10, nil)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "starting", logs[0].Message)

	firstID := logs[0].ID
	logs, err = m.GetLogsForRun(ctx, "r1", 10, &firstID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "done", logs[0].Message)
}

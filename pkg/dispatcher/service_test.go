package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

func testMatchingConfig() matching.Config {
	return matching.Config{NumPartitions: 2, BranchingFactor: 2, MaxBufferPerPartition: 10}
}

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	m := matching.NewService(testMatchingConfig())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return NewService(m, st, "node-1", broker), st
}

func TestRunMatchLoop_DispatchesOnSyncMatch(t *testing.T) {
	svc, st := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := NewWorkerHandle("w1", "worker-one", []string{"orders"}, 1, nil)
	svc.RegisterWorker(handle)

	task, err := st.CreateTask(ctx, store.CreateTaskParams{
		ID: "t1", QueueName: "orders", TaskName: "ship", PartitionID: 0, TimeoutSeconds: 30,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		svc.RunMatchLoop(ctx, "w1", []string{"orders"})
		close(done)
	}()

	// give the match loop a moment to register before offering the task
	time.Sleep(20 * time.Millisecond)
	matched := svc.matching.OfferTask("orders", 0, types.TaskEnvelope{
		TaskID: task.ID, QueueName: "orders", TaskName: "ship", TimeoutSeconds: 30,
	})
	require.True(t, matched)

	require.Eventually(t, func() bool {
		return handle.HasTask(task.ID)
	}, time.Second, 5*time.Millisecond)

	got, ok, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, int32(1), got.AttemptCount)

	cancel()
	<-done
}

func TestDeregisterWorker_ResetsDeliveredSignals(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	handle := NewWorkerHandle("w1", "worker-one", []string{"orders"}, 2, nil)
	svc.RegisterWorker(handle)
	handle.AssignTask("t1")

	sig, err := st.CreateSignal(ctx, "s1", "t1", "pause", nil)
	require.NoError(t, err)
	ok, err := st.MarkDelivered(ctx, sig.ID)
	require.NoError(t, err)
	require.True(t, ok)

	svc.DeregisterWorker(ctx, "w1")

	sigs, err := st.ListSignals(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, types.SignalPending, sigs[0].Status)

	_, stillRegistered := svc.getHandle("w1")
	assert.False(t, stillRegistered)
}

func TestHandleResult_SuccessMarksTaskCompleted(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.CreateTaskParams{ID: "t1", QueueName: "orders", TaskName: "ship", PartitionID: 0})
	require.NoError(t, err)
	run, err := st.CreateTaskRun(ctx, store.CreateTaskRunParams{
		ID: "r1", TaskID: task.ID, AttemptNumber: 1, WorkerID: "w1", AssignedNodeID: "node-1",
		LeaseExpiresAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	handle := NewWorkerHandle("w1", "worker-one", []string{"orders"}, 1, nil)
	svc.RegisterWorker(handle)
	handle.AssignTask(task.ID)

	svc.HandleResult(ctx, "w1", types.TaskResult{TaskID: task.ID, TaskRunID: run.ID, Success: true, Output: []byte(`{"ok":true}`)})

	got, ok, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.False(t, handle.HasTask(task.ID))
}

func TestHandleResult_RetryableFailureSchedulesRetry(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.CreateTaskParams{ID: "t1", QueueName: "orders", TaskName: "ship", PartitionID: 0, MaxRetries: 3})
	require.NoError(t, err)
	run, err := st.CreateTaskRun(ctx, store.CreateTaskRunParams{
		ID: "r1", TaskID: task.ID, AttemptNumber: 1, WorkerID: "w1", AssignedNodeID: "node-1",
		LeaseExpiresAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	svc.HandleResult(ctx, "w1", types.TaskResult{TaskID: task.ID, TaskRunID: run.ID, Success: false, Retryable: true, ErrorMessage: "boom"})

	got, ok, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusRetry, got.Status)
}

func TestCancelOnWorker_SendsCancellationOnlyForOwningWorker(t *testing.T) {
	svc, _ := newTestService(t)

	handle := NewWorkerHandle("w1", "worker-one", []string{"orders"}, 1, nil)
	svc.RegisterWorker(handle)
	handle.AssignTask("t1")

	assert.True(t, svc.CancelOnWorker("t1"))
	assert.False(t, svc.CancelOnWorker("unknown-task"))

	select {
	case msg := <-handle.Outbound:
		require.NotNil(t, msg.TaskCancellation)
		assert.Equal(t, "t1", msg.TaskCancellation.TaskID)
	default:
		t.Fatal("expected a cancellation message on the outbound channel")
	}
}

func TestClassifyHeartbeat(t *testing.T) {
	now := time.Now()
	assert.Equal(t, LivenessAlive, classifyHeartbeat(now.Add(-2*time.Second), now))
	assert.Equal(t, LivenessSuspect, classifyHeartbeat(now.Add(-15*time.Second), now))
	assert.Equal(t, LivenessDead, classifyHeartbeat(now.Add(-45*time.Second), now))
}

func TestWorkerHandle_AvailableSlots(t *testing.T) {
	h := NewWorkerHandle("w1", "worker-one", []string{"orders"}, 2, nil)
	assert.Equal(t, int32(2), h.AvailableSlots())
	h.AssignTask("t1")
	assert.Equal(t, int32(1), h.AvailableSlots())
	h.CompleteTask("t1")
	assert.Equal(t, int32(2), h.AvailableSlots())
}

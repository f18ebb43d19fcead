package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/cluster"
	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/forwarder"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

func testMatchingConfig() matching.Config {
	return matching.Config{NumPartitions: 4, BranchingFactor: 1, MaxBufferPerPartition: 10, ReaderBatchSize: 10, ReaderPollBusyMS: 5, ReaderPollIdleMS: 5}
}

func newTestService(t *testing.T) (*Service, *events.Broker) {
	t.Helper()
	st := store.NewMemory()
	m := matching.NewService(testMatchingConfig())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	disp := dispatcher.NewService(m, st, "node-1", broker)
	fwd := forwarder.New(func(addr string) (forwarder.Client, error) {
		t.Fatalf("unexpected dial to %s in single-node test", addr)
		return nil, nil
	})
	clus := cluster.NewSingleNode("node-1", 4)
	return NewService(st, m, disp, fwd, clus, broker, "node-1"), broker
}

func TestCreateTask_AppliesDefaultsAndPublishesEvent(t *testing.T) {
	ctx := context.Background()
	svc, broker := newTestService(t)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	task, err := svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), task.MaxRetries)
	assert.Equal(t, int32(300), task.TimeoutSeconds)
	assert.Equal(t, types.StatusPending, task.Status)

	select {
	case ev := <-sub:
		assert.Equal(t, task.ID, ev.TaskID)
		assert.Equal(t, types.StatusPending, ev.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected a task event to be published")
	}
}

func TestCreateTask_RejectsInvalidInputJSON(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateTask(context.Background(), CreateTaskRequest{
		QueueName: "orders", TaskName: "ship", Input: []byte("{not json"),
	})
	assert.Error(t, err)
}

func TestCreateTask_IdempotencyConflictOnDuplicateKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	key := "order-42"

	_, err := svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship", IdempotencyKey: &key})
	require.NoError(t, err)

	_, err = svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship", IdempotencyKey: &key})
	assert.Error(t, err)
}

func TestCancelTask_PendingTaskTransitionsAndPublishes(t *testing.T) {
	ctx := context.Background()
	svc, broker := newTestService(t)
	task, err := svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship"})
	require.NoError(t, err)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	cancelled, err := svc.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	select {
	case ev := <-sub:
		assert.Equal(t, types.StatusCancelled, ev.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected a cancellation event")
	}
}

func TestCancelTask_AlreadyTerminalIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	task, err := svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship"})
	require.NoError(t, err)

	_, err = svc.CancelTask(ctx, task.ID)
	require.NoError(t, err)

	_, err = svc.CancelTask(ctx, task.ID)
	assert.Error(t, err)
}

func TestCancelTask_UnknownTaskReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CancelTask(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestSendSignal_RejectsTerminalTask(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	task, err := svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship"})
	require.NoError(t, err)
	_, err = svc.CancelTask(ctx, task.ID)
	require.NoError(t, err)

	_, err = svc.SendSignal(ctx, task.ID, "pause", nil)
	assert.Error(t, err)
}

func TestSendSignal_PersistsPendingWhenNoWorkerConnected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	task, err := svc.CreateTask(ctx, CreateTaskRequest{QueueName: "orders", TaskName: "ship"})
	require.NoError(t, err)

	sig, err := svc.SendSignal(ctx, task.ID, "pause", []byte(`{"reason":"maintenance"}`))
	require.NoError(t, err)
	assert.Equal(t, types.SignalPending, sig.Status)

	signals, err := svc.ListSignals(ctx, task.ID, nil)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "pause", signals[0].SignalName)
}

func TestSubscribeLogs_HistoryThenTail(t *testing.T) {
	oldInterval := logTailPollInterval
	logTailPollInterval = 20 * time.Millisecond
	defer func() { logTailPollInterval = oldInterval }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	svc := &Service{store: st, logger: zerolog.Nop()}

	_, err := st.BatchInsertLogs(ctx, []store.InsertLogEntry{
		{TaskRunID: "run-1", TimestampMs: 1, Level: types.LogInfo, Message: "first"},
	})
	require.NoError(t, err)

	out := make(chan types.TaskLog, 10)
	go svc.SubscribeLogs(ctx, "run-1", true, out)

	first := <-out
	assert.Equal(t, "first", first.Message)

	_, err = st.BatchInsertLogs(ctx, []store.InsertLogEntry{
		{TaskRunID: "run-1", TimestampMs: 2, Level: types.LogInfo, Message: "second"},
	})
	require.NoError(t, err)

	select {
	case second := <-out:
		assert.Equal(t, "second", second.Message)
	case <-time.After(time.Second):
		t.Fatal("expected tailed log line after history")
	}
}

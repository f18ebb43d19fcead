package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iwhitebird/valka/pkg/api"
	"github.com/iwhitebird/valka/pkg/cluster"
	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/forwarder"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

// testHarness wires a full Server (all three services) to an in-memory
// store on a real loopback TCP listener, so tests exercise the actual grpc
// transport and the hand-registered json codec rather than mocking either.
type testHarness struct {
	st      store.Store
	broker  *events.Broker
	matchSv *matching.Service
	disp    *dispatcher.Service
	apiSvc  *api.Service
	server  *Server
	addr    string
	conn    *grpc.ClientConn
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	st := store.NewMemory()
	m := matching.NewService(matching.Config{NumPartitions: 4, BranchingFactor: 1, MaxBufferPerPartition: 10, ReaderBatchSize: 10, ReaderPollBusyMS: 5, ReaderPollIdleMS: 5})
	broker := events.NewBroker()
	broker.Start()
	disp := dispatcher.NewService(m, st, "node-1", broker)
	fwd := forwarder.New(func(addr string) (forwarder.Client, error) {
		t.Fatalf("unexpected dial to %s in single-node test", addr)
		return nil, nil
	})
	clus := cluster.NewSingleNode("node-1", 4)
	apiSvc := api.NewService(st, m, disp, fwd, clus, broker, "node-1")

	internalSvc := NewInternalService(st, m, broker, "node-1")
	workerSvc := NewWorkerService(disp, nil)
	controlSvc := NewControlService(apiSvc)
	server := NewServer(internalSvc, workerSvc, controlSvc)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	go func() { _ = server.grpc.Serve(lis) }()
	t.Cleanup(func() {
		server.Stop()
		broker.Stop()
	})

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testHarness{st: st, broker: broker, matchSv: m, disp: disp, apiSvc: apiSvc, server: server, addr: addr, conn: conn}
}

func TestControlService_CreateAndGetTaskRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var created TaskResponse
	err := h.conn.Invoke(ctx, "/"+controlServiceName+"/CreateTask", CreateTaskRequest{
		QueueName: "orders",
		TaskName:  "ship",
		Input:     []byte(`{"sku":"abc"}`),
	}, &created, callOpts...)
	require.NoError(t, err)
	assert.NotEmpty(t, created.Task.ID)
	assert.Equal(t, "PENDING", created.Task.Status)

	var fetched TaskResponse
	err = h.conn.Invoke(ctx, "/"+controlServiceName+"/GetTask", GetTaskRequest{TaskID: created.Task.ID}, &fetched, callOpts...)
	require.NoError(t, err)
	assert.Equal(t, created.Task.ID, fetched.Task.ID)
}

func TestControlService_GetTaskNotFoundReturnsStatusError(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp TaskResponse
	err := h.conn.Invoke(ctx, "/"+controlServiceName+"/GetTask", GetTaskRequest{TaskID: "missing"}, &resp, callOpts...)
	assert.Error(t, err)
}

func TestControlService_CancelThenSendSignalIsRejected(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var created TaskResponse
	require.NoError(t, h.conn.Invoke(ctx, "/"+controlServiceName+"/CreateTask", CreateTaskRequest{QueueName: "orders", TaskName: "ship"}, &created, callOpts...))

	var cancelled TaskResponse
	require.NoError(t, h.conn.Invoke(ctx, "/"+controlServiceName+"/CancelTask", CancelTaskRequest{TaskID: created.Task.ID}, &cancelled, callOpts...))
	assert.Equal(t, "CANCELLED", cancelled.Task.Status)

	var sig SignalResponse
	err := h.conn.Invoke(ctx, "/"+controlServiceName+"/SendSignal", SendSignalRequest{TaskID: created.Task.ID, SignalName: "pause"}, &sig, callOpts...)
	assert.Error(t, err)
}

func TestControlService_ListTasksPaginates(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		var created TaskResponse
		require.NoError(t, h.conn.Invoke(ctx, "/"+controlServiceName+"/CreateTask", CreateTaskRequest{QueueName: "orders", TaskName: "ship"}, &created, callOpts...))
	}

	queue := "orders"
	var page1 ListTasksResponse
	require.NoError(t, h.conn.Invoke(ctx, "/"+controlServiceName+"/ListTasks", ListTasksRequest{QueueName: &queue, Limit: 2}, &page1, callOpts...))
	assert.Len(t, page1.Tasks, 2)
	require.NotNil(t, page1.NextPageToken)

	var page2 ListTasksResponse
	require.NoError(t, h.conn.Invoke(ctx, "/"+controlServiceName+"/ListTasks", ListTasksRequest{QueueName: &queue, Limit: 2, PageToken: page1.NextPageToken}, &page2, callOpts...))
	assert.Len(t, page2.Tasks, 1)
}

func TestControlService_SubscribeEventsReceivesCreateTask(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "SubscribeEvents", ServerStreams: true}
	stream, err := h.conn.NewStream(ctx, desc, "/"+controlServiceName+"/SubscribeEvents", callOpts...)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&SubscribeEventsRequest{}))
	require.NoError(t, stream.CloseSend())

	var created TaskResponse
	require.NoError(t, h.conn.Invoke(ctx, "/"+controlServiceName+"/CreateTask", CreateTaskRequest{QueueName: "orders", TaskName: "ship"}, &created, callOpts...))

	var ev WireTaskEvent
	require.NoError(t, stream.RecvMsg(&ev))
	assert.Equal(t, created.Task.ID, ev.TaskID)
}

func TestInternalService_ForwardTaskAcceptsMatch(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := h.st.CreateTask(ctx, store.CreateTaskParams{
		ID: "task-1", QueueName: "orders", TaskName: "ship", PartitionID: 0, MaxRetries: 3, TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	h.matchSv.RegisterWorker("orders", 0, "worker-1")

	var resp ForwardTaskResponse
	err = h.conn.Invoke(ctx, "/"+internalServiceName+"/ForwardTask", ForwardTaskRequest{
		TaskID: task.ID, QueueName: "orders", PartitionID: 0,
	}, &resp, callOpts...)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestInternalService_PingReturnsNodeID(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp PingResponse
	err := h.conn.Invoke(ctx, "/"+internalServiceName+"/Ping", PingRequest{NodeID: "node-2", TimestampMs: 1}, &resp, callOpts...)
	require.NoError(t, err)
	assert.Equal(t, "node-1", resp.NodeID)
}

func TestInternalService_RelayLogsStreamsHistory(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.st.BatchInsertLogs(ctx, []store.InsertLogEntry{
		{TaskRunID: "run-1", TimestampMs: 1, Level: types.LogInfo, Message: "hello"},
	})
	require.NoError(t, err)

	desc := &grpc.StreamDesc{StreamName: "RelayLogs", ServerStreams: true}
	stream, err := h.conn.NewStream(ctx, desc, "/"+internalServiceName+"/RelayLogs", callOpts...)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&RelayLogsRequest{TaskRunID: "run-1"}))
	require.NoError(t, stream.CloseSend())

	var log WireTaskLog
	require.NoError(t, stream.RecvMsg(&log))
	assert.Equal(t, "hello", log.Message)
}

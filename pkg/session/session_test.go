package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

// fakeStream is an in-memory Stream driven entirely by the test: inbound
// messages are queued with push, outbound messages land in sent for
// assertions.
type fakeStream struct {
	mu      sync.Mutex
	inbound []WorkerInbound
	sent    []types.WorkerOutbound
}

func (f *fakeStream) push(msg WorkerInbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, msg)
}

func (f *fakeStream) Recv() (WorkerInbound, error) {
	for {
		f.mu.Lock()
		if len(f.inbound) > 0 {
			msg := f.inbound[0]
			f.inbound = f.inbound[1:]
			f.mu.Unlock()
			return msg, nil
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeStream) Send(msg types.WorkerOutbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDispatcher(t *testing.T) *dispatcher.Service {
	t.Helper()
	st := store.NewMemory()
	m := matching.NewService(matching.Config{NumPartitions: 1, BranchingFactor: 1, MaxBufferPerPartition: 10})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return dispatcher.NewService(m, st, "node-1", broker)
}

func TestHandle_RejectsNonHelloFirstMessage(t *testing.T) {
	disp := newTestDispatcher(t)
	stream := &fakeStream{}
	heartbeat := types.WorkerHeartbeat{}
	stream.push(WorkerInbound{Heartbeat: &heartbeat})

	err := Handle(context.Background(), disp, stream, nil)
	assert.ErrorIs(t, err, ErrFirstMessageNotHello)
}

func TestHandle_HelloThenGracefulShutdown(t *testing.T) {
	disp := newTestDispatcher(t)
	stream := &fakeStream{}
	reason := "going away"
	stream.push(WorkerInbound{Hello: &WorkerHello{WorkerID: "w1", WorkerName: "worker-one", Queues: []string{"orders"}, Concurrency: 1}})
	stream.push(WorkerInbound{GracefulShutdown: &reason})

	err := Handle(context.Background(), disp, stream, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, disp.WorkerCount())
}

func TestHandle_HeartbeatSendsAck(t *testing.T) {
	disp := newTestDispatcher(t)
	stream := &fakeStream{}
	reason := "done"
	stream.push(WorkerInbound{Hello: &WorkerHello{WorkerID: "w1", WorkerName: "worker-one", Queues: []string{"orders"}, Concurrency: 1}})
	stream.push(WorkerInbound{Heartbeat: &types.WorkerHeartbeat{}})
	stream.push(WorkerInbound{GracefulShutdown: &reason})

	err := Handle(context.Background(), disp, stream, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return stream.sentCount() >= 1 }, time.Second, 5*time.Millisecond)
	found := false
	for _, s := range stream.sent {
		if s.HeartbeatAck != nil {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHandle_StreamEOFCleansUp(t *testing.T) {
	disp := newTestDispatcher(t)
	stream := &fakeStream{}
	stream.push(WorkerInbound{Hello: &WorkerHello{WorkerID: "w1", WorkerName: "worker-one", Queues: []string{"orders"}, Concurrency: 1}})

	errCh := make(chan error, 1)
	go func() {
		errCh <- Handle(context.Background(), disp, &eofAfterHello{fakeStream: stream}, nil)
	}()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after EOF")
	}
	assert.Equal(t, 0, disp.WorkerCount())
}

// eofAfterHello serves the queued hello message, then returns io.EOF.
type eofAfterHello struct {
	*fakeStream
	served bool
}

func (e *eofAfterHello) Recv() (WorkerInbound, error) {
	if !e.served {
		e.served = true
		return e.fakeStream.Recv()
	}
	return WorkerInbound{}, io.EOF
}

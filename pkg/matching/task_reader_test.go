package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/types"
)

// fakeDequeuer hands out one batch of tasks then goes empty, so Run's
// busy/idle backoff can be exercised deterministically.
type fakeDequeuer struct {
	mu    sync.Mutex
	batch []types.Task
	calls int
}

func (f *fakeDequeuer) DequeueTasks(_ context.Context, _ string, _ int32, _ int32) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.batch) == 0 {
		return nil, nil
	}
	out := f.batch
	f.batch = nil
	return out, nil
}

func TestReader_PollAndDispatch_SyncMatchesWaitingWorker(t *testing.T) {
	s := NewService(testConfig())
	ch := s.RegisterWorker("emails", 0, "worker-1")

	dq := &fakeDequeuer{batch: []types.Task{{ID: "t1", QueueName: "emails", TaskName: "send"}}}
	r := NewReader(dq, s, "emails", 0, testConfig())

	count, err := r.pollAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	select {
	case env := <-ch:
		assert.Equal(t, "t1", env.TaskID)
		assert.Equal(t, int32(1), env.AttemptNumber)
	case <-time.After(time.Second):
		t.Fatal("expected dequeued task delivered to waiting worker")
	}
}

func TestReader_PollAndDispatch_BuffersWhenNoWorker(t *testing.T) {
	s := NewService(testConfig())
	dq := &fakeDequeuer{batch: []types.Task{{ID: "t2", QueueName: "emails"}}}
	r := NewReader(dq, s, "emails", 0, testConfig())

	count, err := r.pollAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, pending, err := s.Stats("emails", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestReader_Run_StopsOnContextCancel(t *testing.T) {
	s := NewService(testConfig())
	dq := &fakeDequeuer{}
	r := NewReader(dq, s, "emails", 0, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}

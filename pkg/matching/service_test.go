package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/types"
)

func testConfig() Config {
	return Config{
		NumPartitions:         4,
		BranchingFactor:       3,
		MaxBufferPerPartition: 10,
		ReaderBatchSize:       50,
		ReaderPollBusyMS:      10,
		ReaderPollIdleMS:      200,
	}
}

func TestEnsureQueue_BuildsForwardingTree(t *testing.T) {
	s := NewService(testConfig())
	s.EnsureQueue("emails")

	s.mu.RLock()
	defer s.mu.RUnlock()

	root := s.partitions[partitionKey{queue: "emails", id: 0}]
	require.NotNil(t, root)
	assert.Nil(t, root.parent)
	assert.Equal(t, []int32{1, 2, 3}, root.children)

	p1 := s.partitions[partitionKey{queue: "emails", id: 1}]
	require.NotNil(t, p1)
	require.NotNil(t, p1.parent)
	assert.Equal(t, int32(0), *p1.parent)
}

func TestOfferTask_DirectMatch(t *testing.T) {
	s := NewService(testConfig())
	ch := s.RegisterWorker("emails", 1, "worker-1")

	matched := s.OfferTask("emails", 1, types.TaskEnvelope{TaskID: "t1", QueueName: "emails"})
	require.True(t, matched)

	select {
	case env := <-ch:
		assert.Equal(t, "t1", env.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected task on worker channel")
	}
}

func TestOfferTask_ForwardsUpTreeToParent(t *testing.T) {
	s := NewService(testConfig())
	// Worker waits at the root partition (0); task arrives at a leaf (1),
	// whose parent is 0 — must forward up since partition 1 has no worker.
	ch := s.RegisterWorker("emails", 0, "worker-root")

	matched := s.OfferTask("emails", 1, types.TaskEnvelope{TaskID: "t2", QueueName: "emails"})
	require.True(t, matched)

	select {
	case env := <-ch:
		assert.Equal(t, "t2", env.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected task forwarded to root worker")
	}
}

func TestOfferTask_NoWorkerAnywhere(t *testing.T) {
	s := NewService(testConfig())
	matched := s.OfferTask("emails", 1, types.TaskEnvelope{TaskID: "t3", QueueName: "emails"})
	assert.False(t, matched)
}

func TestRegisterWorker_ImmediateMatchFromBuffer(t *testing.T) {
	s := NewService(testConfig())
	require.True(t, s.BufferTask("emails", 2, types.TaskEnvelope{TaskID: "t4", QueueName: "emails"}))

	ch := s.RegisterWorker("emails", 2, "worker-2")
	select {
	case env := <-ch:
		assert.Equal(t, "t4", env.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected buffered task handed to new worker")
	}
}

func TestBufferTask_RespectsMaxSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferPerPartition = 1
	s := NewService(cfg)

	assert.True(t, s.BufferTask("emails", 3, types.TaskEnvelope{TaskID: "a"}))
	assert.False(t, s.BufferTask("emails", 3, types.TaskEnvelope{TaskID: "b"}))
}

func TestDeregisterWorker_RemovesFromAllPartitions(t *testing.T) {
	s := NewService(testConfig())
	s.RegisterWorker("emails", 1, "worker-x")
	s.RegisterWorker("emails", 2, "worker-x")

	s.DeregisterWorker("worker-x")

	waiting, _, err := s.Stats("emails", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, waiting)

	waiting, _, err = s.Stats("emails", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, waiting)
}

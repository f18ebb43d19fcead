package readermanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/store"
)

// fakeCluster lets tests flip ownership of a partition without a real
// gossip membership.
type fakeCluster struct {
	mu    sync.Mutex
	owned map[int32]bool
	n     int32
}

func (f *fakeCluster) OwnsPartition(queueName string, partitionID int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned[partitionID]
}

func (f *fakeCluster) NumPartitions() int32 { return f.n }

func (f *fakeCluster) setOwned(pid int32, owned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owned[pid] = owned
}

func testConfig() matching.Config {
	return matching.Config{NumPartitions: 2, BranchingFactor: 1, MaxBufferPerPartition: 10, ReaderBatchSize: 10, ReaderPollBusyMS: 5, ReaderPollIdleMS: 5}
}

func TestReconcile_StartsReaderForOwnedPartitionWithQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	_, err := st.CreateTask(ctx, store.CreateTaskParams{ID: "t1", QueueName: "orders", PartitionID: 0})
	require.NoError(t, err)

	m := matching.NewService(testConfig())
	cluster := &fakeCluster{owned: map[int32]bool{0: true, 1: false}, n: 2}
	mgr := NewManager(st, m, cluster, testConfig())

	mgr.reconcile(ctx)

	mgr.mu.Lock()
	_, running := mgr.running[readerKey{queue: "orders", partition: 0}]
	_, notRunning := mgr.running[readerKey{queue: "orders", partition: 1}]
	mgr.mu.Unlock()

	assert.True(t, running)
	assert.False(t, notRunning)

	mgr.stopAll()
}

func TestReconcile_StopsReaderWhenOwnershipLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	_, err := st.CreateTask(ctx, store.CreateTaskParams{ID: "t1", QueueName: "orders", PartitionID: 0})
	require.NoError(t, err)

	m := matching.NewService(testConfig())
	cluster := &fakeCluster{owned: map[int32]bool{0: true}, n: 2}
	mgr := NewManager(st, m, cluster, testConfig())

	mgr.reconcile(ctx)
	mgr.mu.Lock()
	_, running := mgr.running[readerKey{queue: "orders", partition: 0}]
	mgr.mu.Unlock()
	require.True(t, running)

	cluster.setOwned(0, false)
	mgr.reconcile(ctx)

	mgr.mu.Lock()
	_, stillRunning := mgr.running[readerKey{queue: "orders", partition: 0}]
	mgr.mu.Unlock()
	assert.False(t, stillRunning)
}

func TestRun_ReconcilesOnPartitionsRebalancedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	_, err := st.CreateTask(ctx, store.CreateTaskParams{ID: "t1", QueueName: "orders", PartitionID: 0})
	require.NoError(t, err)

	m := matching.NewService(testConfig())
	cluster := &fakeCluster{owned: map[int32]bool{}, n: 1}
	mgr := NewManager(st, m, cluster, testConfig())

	evCh := make(chan events.ClusterEvent, 1)
	done := make(chan struct{})
	go func() { mgr.Run(ctx, evCh); close(done) }()

	cluster.setOwned(0, true)
	evCh <- events.ClusterEvent{Kind: events.PartitionsRebalanced}

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		_, ok := mgr.running[readerKey{queue: "orders", partition: 0}]
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

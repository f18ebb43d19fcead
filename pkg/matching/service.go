package matching

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/types"
)

// Config controls partition-tree shape and buffering for one node's local
// matching service (spec §4.1, §4.4; original_source valka-core Config.matching).
type Config struct {
	NumPartitions        int32
	BranchingFactor      int32
	MaxBufferPerPartition int
	ReaderBatchSize      int32
	ReaderPollBusyMS     int64
	ReaderPollIdleMS     int64
}

// partitionKey composite-keys the partition directory by (queue, partition).
type partitionKey struct {
	queue string
	id    int32
}

// Service is the synchronous task/worker matching engine. It owns one
// partitionQueue per (queue, partition_id) pair the local node currently
// reads, building a k-ary forwarding tree per queue on first use
// (spec §4.1, §4.4; components E, F).
type Service struct {
	mu         sync.RWMutex
	partitions map[partitionKey]*partitionQueue
	config     Config
	logger     zerolog.Logger
}

// NewService builds a matching service with the given partition-tree config.
func NewService(config Config) *Service {
	return &Service{
		partitions: make(map[partitionKey]*partitionQueue),
		config:     config,
		logger:     log.WithComponent("matching"),
	}
}

// Config returns the service's partition-tree configuration.
func (s *Service) Config() Config { return s.config }

// EnsureQueue builds all N partitions for queueName if they do not already
// exist, wiring parent/child pointers for the k-ary forwarding tree:
// partition i's parent is (i-1)/branching_factor, and children of i are
// i*bf+1 .. i*bf+bf (spec §4.4, §9 design note distinguishing this tree from
// ring-based partition ownership).
func (s *Service) EnsureQueue(queueName string) {
	n := s.config.NumPartitions
	bf := s.config.BranchingFactor
	if bf <= 0 {
		bf = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := int32(0); i < n; i++ {
		key := partitionKey{queue: queueName, id: i}
		if _, ok := s.partitions[key]; ok {
			continue
		}

		var parent *int32
		if i != 0 {
			p := (i - 1) / bf
			parent = &p
		}

		pq := newPartitionQueue(queueName, i, parent, s.config.MaxBufferPerPartition)
		for c := int32(1); c <= bf; c++ {
			childID := i*bf + c
			if childID < n {
				pq.children = append(pq.children, childID)
			}
		}
		s.partitions[key] = pq
	}
}

func (s *Service) getPartition(queueName string, partitionID int32) *partitionQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partitions[partitionKey{queue: queueName, id: partitionID}]
}

// OfferTask attempts a synchronous match for task at partitionID, forwarding
// up the partition tree toward the root if the direct partition has no
// waiting worker (spec §4.4). It returns true on match, false if nothing in
// the tree could take it.
func (s *Service) OfferTask(queueName string, partitionID int32, task types.TaskEnvelope) bool {
	s.EnsureQueue(queueName)

	current := partitionID
	remaining := &task
	for {
		pq := s.getPartition(queueName, current)
		if pq == nil {
			return false
		}

		leftover := pq.tryMatchTask(*remaining)
		if leftover == nil {
			s.logger.Debug().Str("queue", queueName).Int32("partition", current).
				Msg("sync match: task matched")
			return true
		}
		remaining = leftover

		parentID, hasParent := pq.parentID()
		if !hasParent {
			return false
		}
		current = parentID
	}
}

// RegisterWorker enqueues workerID as waiting at (queueName, partitionID) and
// returns a one-shot channel that receives the assigned task. If a task is
// already buffered at that partition it is handed to the channel immediately
// by registerWorker before this call returns.
func (s *Service) RegisterWorker(queueName string, partitionID int32, workerID string) <-chan types.TaskEnvelope {
	s.EnsureQueue(queueName)

	ch := make(chan types.TaskEnvelope, 1)
	pq := s.getPartition(queueName, partitionID)
	if pq == nil {
		return ch
	}

	if pq.registerWorker(workerSlot{workerID: workerID, taskCh: ch}) {
		s.logger.Debug().Str("queue", queueName).Int32("partition", partitionID).
			Str("worker_id", workerID).Msg("worker immediately matched with pending task")
	}
	return ch
}

// DeregisterWorker removes workerID's waiting slot from every partition of
// every queue (called on worker disconnect).
func (s *Service) DeregisterWorker(workerID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pq := range s.partitions {
		pq.removeWorker(workerID)
	}
	s.logger.Info().Str("worker_id", workerID).Msg("worker deregistered from matching service")
}

// BufferTask appends task to the pending FIFO at (queueName, partitionID),
// used by the task reader path when OfferTask finds no waiting worker.
// Returns false if the partition's buffer is full.
func (s *Service) BufferTask(queueName string, partitionID int32, task types.TaskEnvelope) bool {
	s.EnsureQueue(queueName)

	pq := s.getPartition(queueName, partitionID)
	if pq == nil {
		return false
	}
	return pq.bufferTask(task)
}

// Stats reports the waiting-worker and pending-task counts for one
// partition, for diagnostics and the dashboard surface.
func (s *Service) Stats(queueName string, partitionID int32) (waiting, pending int, err error) {
	pq := s.getPartition(queueName, partitionID)
	if pq == nil {
		return 0, 0, fmt.Errorf("no partition %d for queue %s", partitionID, queueName)
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.waitingWorkers), len(pq.pendingTasks), nil
}

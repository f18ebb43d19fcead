// Package matching implements the synchronous task/worker matching engine,
// partition queues, and the per-partition backlog reader (spec §4.4, §4.5;
// components E, F, G).
package matching

import (
	"sync"

	"github.com/iwhitebird/valka/pkg/types"
)

// workerSlot is a worker waiting for a task assignment at one partition. The
// channel has capacity 1 so a send under the partition lock never blocks:
// the only possible receiver is the original waiter (spec §4.4, §5).
type workerSlot struct {
	workerID string
	taskCh   chan types.TaskEnvelope
}

// partitionQueue holds the waiting-worker FIFO and pending-task FIFO for one
// (queue, partition_id) pair, plus the k-ary forwarding-tree pointers used
// only for local offer-path promotion (spec §4.4).
type partitionQueue struct {
	mu sync.Mutex

	queueName     string
	partitionID   int32
	parent        *int32
	children      []int32
	maxBufferSize int

	waitingWorkers []workerSlot
	pendingTasks   []types.TaskEnvelope
}

func newPartitionQueue(queueName string, partitionID int32, parent *int32, maxBufferSize int) *partitionQueue {
	return &partitionQueue{
		queueName:     queueName,
		partitionID:   partitionID,
		parent:        parent,
		maxBufferSize: maxBufferSize,
	}
}

// registerWorker enqueues slot at the tail of the waiting-worker FIFO unless
// a pending task is immediately available, in which case it hands the task
// straight to the slot's channel and returns true (matched without queueing).
func (p *partitionQueue) registerWorker(slot workerSlot) (matched bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pendingTasks) > 0 {
		task := p.pendingTasks[0]
		p.pendingTasks = p.pendingTasks[1:]
		slot.taskCh <- task
		return true
	}
	p.waitingWorkers = append(p.waitingWorkers, slot)
	return false
}

// tryMatchTask pops waiting-worker slots from the head of the FIFO and sends
// task to the first one whose channel accepts it. A channel send only
// "fails" here in the sense that the slot is stale (its one-shot channel was
// already fulfilled or abandoned) — we detect that defensively by trying a
// non-blocking send and discarding slots whose buffer is already full.
// Returns nil (matched) or the task back (no live waiting worker).
func (p *partitionQueue) tryMatchTask(task types.TaskEnvelope) *types.TaskEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.waitingWorkers) > 0 {
		slot := p.waitingWorkers[0]
		p.waitingWorkers = p.waitingWorkers[1:]

		select {
		case slot.taskCh <- task:
			return nil
		default:
			// Slot's one-shot channel is already full: the slot is stale
			// (already fulfilled). Discard and try the next.
			continue
		}
	}
	return &task
}

// bufferTask appends task to the pending FIFO if there is room.
func (p *partitionQueue) bufferTask(task types.TaskEnvelope) (buffered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pendingTasks) >= p.maxBufferSize {
		return false
	}
	p.pendingTasks = append(p.pendingTasks, task)
	return true
}

// removeWorker drops any waiting slot belonging to workerID (deregistration).
func (p *partitionQueue) removeWorker(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.waitingWorkers[:0]
	for _, s := range p.waitingWorkers {
		if s.workerID != workerID {
			kept = append(kept, s)
		}
	}
	p.waitingWorkers = kept
}

func (p *partitionQueue) parentID() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parent == nil {
		return 0, false
	}
	return *p.parent, true
}

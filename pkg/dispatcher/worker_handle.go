package dispatcher

import (
	"sync"
	"time"

	"github.com/iwhitebird/valka/pkg/types"
)

// WorkerHandle represents one connected worker and its outbound stream
// channel. Exactly one session loop owns a given WorkerHandle at a time, so
// the mutex only protects against the match loop and the session loop
// touching active-task bookkeeping concurrently (spec §4.6, §5).
type WorkerHandle struct {
	WorkerID      string
	WorkerName    string
	Queues        []string
	Concurrency   int32
	Metadata      []byte
	Outbound      chan types.WorkerOutbound
	ConnectedAt   time.Time

	mu            sync.Mutex
	activeTasks   map[string]bool
	lastHeartbeat time.Time
}

// NewWorkerHandle constructs a handle with an open outbound channel of
// capacity 16, generous enough that a burst of assignments/cancellations
// never blocks the dispatcher on a slow session writer.
func NewWorkerHandle(workerID, workerName string, queues []string, concurrency int32, metadata []byte) *WorkerHandle {
	now := time.Now().UTC()
	return &WorkerHandle{
		WorkerID:      workerID,
		WorkerName:    workerName,
		Queues:        queues,
		Concurrency:   concurrency,
		Metadata:      metadata,
		Outbound:      make(chan types.WorkerOutbound, 16),
		ConnectedAt:   now,
		activeTasks:   make(map[string]bool),
		lastHeartbeat: now,
	}
}

func (h *WorkerHandle) AvailableSlots() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Concurrency - int32(len(h.activeTasks))
}

func (h *WorkerHandle) IsIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.activeTasks) == 0
}

func (h *WorkerHandle) AssignTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeTasks[taskID] = true
}

func (h *WorkerHandle) CompleteTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.activeTasks, taskID)
}

func (h *WorkerHandle) HasTask(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeTasks[taskID]
}

func (h *WorkerHandle) ActiveTaskIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.activeTasks))
	for id := range h.activeTasks {
		ids = append(ids, id)
	}
	return ids
}

func (h *WorkerHandle) UpdateHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHeartbeat = time.Now().UTC()
}

func (h *WorkerHandle) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

// send delivers msg to the worker's outbound channel without blocking; it
// reports false if the channel was full or already closed, meaning the
// worker is gone and the message is lost (spec §4.6 "channel send failures
// mean the worker is gone").
func (h *WorkerHandle) send(msg types.WorkerOutbound) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case h.Outbound <- msg:
		return true
	default:
		return false
	}
}

// Package dispatcher owns connected workers and drives the synchronous
// match loop that hands them tasks, the atomic dispatch transaction, result
// and heartbeat handling, and signal routing (spec §4.6; component H).
// Grounded on original_source/crates/valka-dispatcher/src/{service,
// worker_handle,heartbeat}.rs and the teacher's lock-per-key map style.
package dispatcher

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/ids"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/metrics"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

// matchLoopPollDelay is how long run_match_loop sleeps when a worker has no
// free concurrency slots before checking again (valka-dispatcher's
// service.rs uses the same 50ms backoff).
const matchLoopPollDelay = 50 * time.Millisecond

// leaseGraceSeconds is added to a task's declared timeout when computing a
// run's lease_expires_at, giving the worker margin before the reaper
// reclaims it.
const leaseGraceSeconds = 30

// heartbeatLeaseExtension is how far handle_heartbeat pushes out
// lease_expires_at on every RUNNING run belonging to the reporting worker.
const heartbeatLeaseExtension = 60 * time.Second

// Service manages all connected workers on this node (spec §4.6).
type Service struct {
	mu      sync.RWMutex
	workers map[string]*WorkerHandle

	matching *matching.Service
	store    store.Store
	nodeID   string
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewService wires a dispatcher to the local matching service, the store,
// and the local event broker.
func NewService(matchingSvc *matching.Service, st store.Store, nodeID string, broker *events.Broker) *Service {
	return &Service{
		workers:  make(map[string]*WorkerHandle),
		matching: matchingSvc,
		store:    st,
		nodeID:   nodeID,
		broker:   broker,
		logger:   log.WithComponent("dispatcher"),
	}
}

// Run starts the background heartbeat checker; it blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) { s.runHeartbeatChecker(ctx) }

func (s *Service) RegisterWorker(handle *WorkerHandle) {
	s.mu.Lock()
	s.workers[handle.WorkerID] = handle
	count := len(s.workers)
	s.mu.Unlock()

	metrics.SetActiveWorkers(float64(count))
	s.logger.Info().Str("worker_id", handle.WorkerID).Str("worker_name", handle.WorkerName).
		Int32("concurrency", handle.Concurrency).Msg("worker registered")
}

// DeregisterWorker drops the worker's matching-service slots and resets any
// DELIVERED signals for its active tasks back to PENDING, since those
// signals were never actually observed by the worker. Active tasks are not
// cancelled; they are recovered by lease expiry (spec §4.6).
func (s *Service) DeregisterWorker(ctx context.Context, workerID string) {
	s.mu.Lock()
	handle, ok := s.workers[workerID]
	delete(s.workers, workerID)
	count := len(s.workers)
	s.mu.Unlock()

	s.matching.DeregisterWorker(workerID)
	metrics.SetActiveWorkers(float64(count))

	if !ok {
		return
	}
	for _, taskID := range handle.ActiveTaskIDs() {
		if _, err := s.store.ResetDeliveredSignals(ctx, taskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to reset delivered signals on disconnect")
		}
	}
	s.logger.Info().Str("worker_id", workerID).Int("active_tasks", len(handle.ActiveTaskIDs())).
		Msg("worker deregistered")
}

func (s *Service) getHandle(workerID string) (*WorkerHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.workers[workerID]
	return h, ok
}

type pendingRegistration struct {
	queue string
	pid   int32
	ch    <-chan types.TaskEnvelope
}

// RunMatchLoop continuously registers workerID as waiting across every
// partition of every queue it serves, dispatches the first task handed to
// it, and re-buffers any task that lands in a non-winning registration
// before the next iteration (spec §4.6 run_match_loop, open question (b)).
// It returns when ctx is cancelled or the worker is no longer registered.
func (s *Service) RunMatchLoop(ctx context.Context, workerID string, queues []string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		handle, ok := s.getHandle(workerID)
		if !ok {
			return
		}
		if handle.AvailableSlots() <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(matchLoopPollDelay):
			}
			continue
		}

		regs := s.registerAcrossPartitions(queues, workerID)
		if len(regs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(matchLoopPollDelay):
			}
			continue
		}

		winnerIdx, envelope, ctxDone := awaitFirstMatch(ctx, regs)
		if ctxDone {
			s.matching.DeregisterWorker(workerID)
			return
		}

		// Remove the remaining slots first so no further task can land in
		// a losing channel after it has been drained.
		s.matching.DeregisterWorker(workerID)
		rebufferLeftovers(s.matching, regs, winnerIdx)

		if winnerIdx >= 0 {
			s.dispatchToWorker(ctx, workerID, regs[winnerIdx].queue, envelope)
		}
	}
}

func (s *Service) registerAcrossPartitions(queues []string, workerID string) []pendingRegistration {
	n := s.matching.Config().NumPartitions
	regs := make([]pendingRegistration, 0, int(n)*len(queues))
	for _, q := range queues {
		for pid := int32(0); pid < n; pid++ {
			ch := s.matching.RegisterWorker(q, pid, workerID)
			regs = append(regs, pendingRegistration{queue: q, pid: pid, ch: ch})
		}
	}
	return regs
}

// awaitFirstMatch blocks until one of regs' channels yields a task or ctx is
// cancelled. Dynamic channel count rules out a hand-written select, so this
// uses reflect.Select the way the standard library itself recommends for a
// runtime-sized fan-in.
func awaitFirstMatch(ctx context.Context, regs []pendingRegistration) (winnerIdx int, envelope types.TaskEnvelope, ctxDone bool) {
	cases := make([]reflect.SelectCase, 0, len(regs)+1)
	for _, r := range regs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.ch)})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, val, recvOK := reflect.Select(cases)
	if chosen == len(regs) {
		return -1, types.TaskEnvelope{}, true
	}
	if !recvOK {
		return -1, types.TaskEnvelope{}, false
	}
	return chosen, val.Interface().(types.TaskEnvelope), false
}

// rebufferLeftovers drains every registration channel except the winner; any
// task already sitting in one (a race between the winning receive and a
// concurrent tryMatchTask elsewhere) is pushed back into its partition's
// buffer so it is not silently dropped.
func rebufferLeftovers(m *matching.Service, regs []pendingRegistration, winnerIdx int) {
	for i, r := range regs {
		if i == winnerIdx {
			continue
		}
		select {
		case env, ok := <-r.ch:
			if ok {
				m.BufferTask(r.queue, r.pid, env)
			}
		default:
		}
	}
}

// dispatchToWorker runs the atomic dispatch transaction, sends the
// assignment, then delivers any signals already pending for the task
// (spec §4.6 dispatch).
func (s *Service) dispatchToWorker(ctx context.Context, workerID, queueName string, envelope types.TaskEnvelope) {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return
	}

	runID := ids.New()
	leaseExpires := time.Now().UTC().Add(time.Duration(envelope.TimeoutSeconds+leaseGraceSeconds) * time.Second)

	task, run, err := s.store.Dispatch(ctx, envelope.TaskID, runID, workerID, s.nodeID, leaseExpires)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", envelope.TaskID).Msg("dispatch transaction failed, task remains DISPATCHING")
		return
	}

	handle.AssignTask(envelope.TaskID)
	assignment := types.WorkerOutbound{TaskAssignment: &types.TaskAssignment{
		TaskID:         envelope.TaskID,
		TaskRunID:      run.ID,
		QueueName:      queueName,
		TaskName:       envelope.TaskName,
		Input:          envelope.Input,
		AttemptNumber:  run.AttemptNumber,
		TimeoutSeconds: envelope.TimeoutSeconds,
		Metadata:       envelope.Metadata,
	}}
	if !handle.send(assignment) {
		s.logger.Warn().Str("worker_id", workerID).Str("task_id", envelope.TaskID).
			Msg("failed to deliver task assignment, worker gone; lease expiry will rediscover")
	}

	s.deliverPendingSignals(ctx, handle, envelope.TaskID)

	if s.broker != nil {
		s.broker.Publish(types.TaskEvent{
			EventID:       ids.New(),
			TaskID:        envelope.TaskID,
			QueueName:     queueName,
			NewStatus:     types.StatusRunning,
			WorkerID:      workerID,
			NodeID:        s.nodeID,
			AttemptNumber: task.AttemptCount,
			TimestampMs:   time.Now().UnixMilli(),
		})
	}
}

func (s *Service) deliverPendingSignals(ctx context.Context, handle *WorkerHandle, taskID string) {
	signals, err := s.store.GetPendingSignals(ctx, taskID)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to load pending signals")
		return
	}
	for _, sig := range signals {
		msg := types.WorkerOutbound{TaskSignal: &types.TaskSignalMessage{
			SignalID:   sig.ID,
			TaskID:     sig.TaskID,
			SignalName: sig.SignalName,
			Payload:    sig.Payload,
		}}
		if handle.send(msg) {
			if _, err := s.store.MarkDelivered(ctx, sig.ID); err != nil {
				s.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("failed to mark signal delivered")
			}
		}
	}
}

// HandleResult applies a worker's TaskResult: completes or fails the run,
// then transitions the task to COMPLETED, RETRY, or FAILED (spec §4.6).
func (s *Service) HandleResult(ctx context.Context, workerID string, result types.TaskResult) {
	if handle, ok := s.getHandle(workerID); ok {
		handle.CompleteTask(result.TaskID)
	}

	queue := s.taskQueueName(ctx, result.TaskID)

	if result.Success {
		if _, _, err := s.store.CompleteTaskRun(ctx, result.TaskRunID, result.Output); err != nil {
			s.logger.Error().Err(err).Str("task_run_id", result.TaskRunID).Msg("failed to complete task run")
		}
		if _, _, err := s.store.UpdateTaskStatus(ctx, result.TaskID, types.StatusCompleted); err != nil {
			s.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("failed to mark task COMPLETED")
		}
		metrics.RecordTaskCompleted(queue)
		s.emitStatusEvent(result.TaskID, queue, types.StatusCompleted, workerID)
		return
	}

	if _, _, err := s.store.FailTaskRun(ctx, result.TaskRunID, result.ErrorMessage); err != nil {
		s.logger.Error().Err(err).Str("task_run_id", result.TaskRunID).Msg("failed to fail task run")
	}

	if result.Retryable {
		if _, _, err := s.store.UpdateTaskStatus(ctx, result.TaskID, types.StatusRetry); err != nil {
			s.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("failed to mark task RETRY")
		}
		metrics.RecordTaskRetried(queue)
		s.emitStatusEvent(result.TaskID, queue, types.StatusRetry, workerID)
	} else {
		if _, _, err := s.store.UpdateTaskStatus(ctx, result.TaskID, types.StatusFailed); err != nil {
			s.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("failed to mark task FAILED")
		}
		metrics.RecordTaskFailed(queue)
		s.emitStatusEvent(result.TaskID, queue, types.StatusFailed, workerID)
	}
}

func (s *Service) taskQueueName(ctx context.Context, taskID string) string {
	task, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil || !ok {
		return ""
	}
	return task.QueueName
}

func (s *Service) emitStatusEvent(taskID, queue string, status types.TaskStatus, workerID string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(types.TaskEvent{
		EventID:     ids.New(),
		TaskID:      taskID,
		QueueName:   queue,
		NewStatus:   status,
		WorkerID:    workerID,
		NodeID:      s.nodeID,
		TimestampMs: time.Now().UnixMilli(),
	})
}

// HandleHeartbeat refreshes a handle's liveness timestamp and extends the
// lease on every RUNNING run belonging to the reported active tasks by
// heartbeatLeaseExtension (spec §4.6 handle_heartbeat).
func (s *Service) HandleHeartbeat(ctx context.Context, workerID string, heartbeat types.WorkerHeartbeat) {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return
	}
	handle.UpdateHeartbeat()

	newExpiry := time.Now().UTC().Add(heartbeatLeaseExtension)
	for _, taskID := range heartbeat.ActiveTaskIDs {
		if _, err := s.store.UpdateHeartbeatByTask(ctx, taskID, newExpiry); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to extend lease on heartbeat")
		}
	}
}

// HandleLogBatch forwards each entry to the log ingester channel (spec
// §4.8) without blocking; an entry that finds the channel full is dropped
// and logged. The channel itself is owned by pkg/scheduler.
func (s *Service) HandleLogBatch(entries []types.LogEntry, ingest chan<- types.LogEntry) {
	for _, e := range entries {
		select {
		case ingest <- e:
		default:
			s.logger.Warn().Str("task_run_id", e.TaskRunID).Msg("log ingester channel full, dropping entry")
		}
	}
}

// CancelOnWorker sends a TaskCancellation to whichever handle has task_id
// active. Returns true only if some handle both owned the task and the send
// succeeded.
func (s *Service) CancelOnWorker(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.workers {
		if h.HasTask(taskID) {
			return h.send(types.WorkerOutbound{TaskCancellation: &types.TaskCancellation{TaskID: taskID}})
		}
	}
	return false
}

// SendSignalToWorker routes a signal to whichever handle owns task_id.
// Returns true only if the send succeeded (the caller marks the signal
// DELIVERED on true).
func (s *Service) SendSignalToWorker(taskID string, sig types.TaskSignalMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.workers {
		if h.HasTask(taskID) {
			return h.send(types.WorkerOutbound{TaskSignal: &sig})
		}
	}
	return false
}

// HandleSignalAck marks a signal ACKNOWLEDGED once a worker confirms
// receipt.
func (s *Service) HandleSignalAck(ctx context.Context, signalID string) {
	if _, err := s.store.MarkAcknowledged(ctx, signalID); err != nil {
		s.logger.Warn().Err(err).Str("signal_id", signalID).Msg("failed to mark signal acknowledged")
	}
}

// WorkerCount reports how many workers are currently connected to this
// node, for diagnostics and the dashboard surface.
func (s *Service) WorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

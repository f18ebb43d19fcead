package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/cluster"
	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/forwarder"
	"github.com/iwhitebird/valka/pkg/ids"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/metrics"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
	"github.com/iwhitebird/valka/pkg/verrors"
)

const (
	defaultMaxRetries     = 3
	defaultTimeoutSeconds = 300
)

// logTailPollInterval is how often subscribe_logs checks the store for new
// rows once history has been drained, since nothing else taps log inserts
// live (spec §4.10). A var, not a const, so tests can shrink it.
var logTailPollInterval = 500 * time.Millisecond

// CreateTaskRequest carries a client's create_task input, before server
// defaults are applied (spec §4.3).
type CreateTaskRequest struct {
	QueueName      string
	TaskName       string
	Input          []byte // raw JSON, may be empty
	Priority       int32
	MaxRetries     int32
	TimeoutSeconds int32
	IdempotencyKey *string
	Metadata       []byte // raw JSON, may be empty
	ScheduledAt    *time.Time
}

// Service implements the control-plane operations spec §4.3/§4.9/§4.10
// describe, independent of any wire transport. A pkg/rpc server adapts gRPC
// requests to calls against it.
type Service struct {
	store      store.Store
	matching   *matching.Service
	dispatcher *dispatcher.Service
	forwarder  *forwarder.Forwarder
	cluster    *cluster.Manager
	broker     *events.Broker
	nodeID     string
	logger     zerolog.Logger
}

// NewService wires a control-plane service to the node's core components.
func NewService(st store.Store, m *matching.Service, disp *dispatcher.Service, fwd *forwarder.Forwarder, clus *cluster.Manager, broker *events.Broker, nodeID string) *Service {
	return &Service{
		store:      st,
		matching:   m,
		dispatcher: disp,
		forwarder:  fwd,
		cluster:    clus,
		broker:     broker,
		nodeID:     nodeID,
		logger:     log.WithComponent("api"),
	}
}

func validJSONOrEmpty(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return json.Valid(b)
}

// CreateTask persists a new task, then attempts to get it matched: locally
// if this node owns its partition, otherwise by forwarding to the owner
// (spec §4.3, §4.10). It never fails because the matching attempt failed —
// only input/metadata JSON validation errors and persistence errors are
// returned.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (types.Task, error) {
	if !validJSONOrEmpty(req.Input) {
		return types.Task{}, verrors.Internal("input must be valid JSON")
	}
	if !validJSONOrEmpty(req.Metadata) {
		return types.Task{}, verrors.Internal("metadata must be valid JSON")
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}

	taskID := ids.New()
	partitionID := ids.PartitionFor(req.QueueName, taskID, s.cluster.NumPartitions())

	task, err := s.store.CreateTask(ctx, store.CreateTaskParams{
		ID:             taskID,
		QueueName:      req.QueueName,
		TaskName:       req.TaskName,
		PartitionID:    partitionID,
		Input:          req.Input,
		Priority:       req.Priority,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		ScheduledAt:    req.ScheduledAt,
	})
	if err != nil {
		return types.Task{}, err
	}

	metrics.RecordTaskCreated(req.QueueName)
	s.broker.Publish(types.TaskEvent{
		EventID:     ids.New(),
		TaskID:      task.ID,
		QueueName:   task.QueueName,
		NewStatus:   types.StatusPending,
		NodeID:      s.nodeID,
		TimestampMs: time.Now().UnixMilli(),
	})

	if task.ScheduledAt != nil {
		return task, nil
	}
	s.attemptMatch(ctx, task, partitionID)
	return task, nil
}

// attemptMatch tries to get a freshly-created task matched to a worker: a
// local sync-match if this node owns the task's partition, otherwise a
// best-effort forward to the owning node. Failures are swallowed — the
// task is already durable, and the owner's reader will eventually pick it
// up (spec §4.3).
func (s *Service) attemptMatch(ctx context.Context, task types.Task, partitionID int32) {
	if s.cluster.OwnsPartition(task.QueueName, partitionID) {
		s.matching.EnsureQueue(task.QueueName)
		s.matching.OfferTask(task.QueueName, partitionID, types.TaskEnvelope{
			TaskID:         task.ID,
			QueueName:      task.QueueName,
			TaskName:       task.TaskName,
			Input:          task.Input,
			AttemptNumber:  0,
			TimeoutSeconds: task.TimeoutSeconds,
			Metadata:       task.Metadata,
			Priority:       task.Priority,
		})
		return
	}

	addr, ok := s.cluster.PartitionOwnerAddr(task.QueueName, partitionID)
	if !ok {
		return
	}
	if _, err := s.forwarder.ForwardTask(ctx, addr, task.ID, task.QueueName, partitionID); err != nil {
		s.logger.Debug().Str("task_id", task.ID).Str("addr", addr).Err(err).
			Msg("forward task failed, leaving to partition owner's reader")
	}
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (types.Task, bool, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks returns tasks filtered by queue and/or status, offset-paginated
// (spec §4.10).
func (s *Service) ListTasks(ctx context.Context, queueName, status *string, limit, offset int64) ([]types.Task, error) {
	return s.store.ListTasks(ctx, queueName, status, limit, offset)
}

// CancelTask transitions a task to CANCELLED, tells any worker currently
// running it to stop, and emits a CANCELLED event (spec §4.3).
func (s *Service) CancelTask(ctx context.Context, taskID string) (types.Task, error) {
	task, ok, err := s.store.CancelTask(ctx, taskID)
	if err != nil {
		return types.Task{}, err
	}
	if !ok {
		existing, found, getErr := s.store.GetTask(ctx, taskID)
		if getErr != nil {
			return types.Task{}, getErr
		}
		if !found {
			return types.Task{}, verrors.NotFound("task %s", taskID)
		}
		return types.Task{}, verrors.InvalidStateTransition(existing.Status.String(), types.StatusCancelled.String())
	}

	s.dispatcher.CancelOnWorker(taskID)
	s.broker.Publish(types.TaskEvent{
		EventID:     ids.New(),
		TaskID:      task.ID,
		QueueName:   task.QueueName,
		NewStatus:   types.StatusCancelled,
		NodeID:      s.nodeID,
		TimestampMs: time.Now().UnixMilli(),
	})
	return task, nil
}

// SendSignal delivers an in-band signal to a running task: it rejects
// terminal tasks, persists the signal PENDING, attempts immediate delivery,
// and marks it DELIVERED if a connected worker accepted it (spec §4.9).
func (s *Service) SendSignal(ctx context.Context, taskID, signalName string, payload []byte) (types.Signal, error) {
	if !validJSONOrEmpty(payload) {
		return types.Signal{}, verrors.Internal("signal payload must be valid JSON")
	}

	task, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return types.Signal{}, err
	}
	if !ok {
		return types.Signal{}, verrors.NotFound("task %s", taskID)
	}
	if isTerminal(task.Status) {
		return types.Signal{}, verrors.TaskCancelled(taskID)
	}

	sig, err := s.store.CreateSignal(ctx, ids.New(), taskID, signalName, payload)
	if err != nil {
		return types.Signal{}, err
	}

	if s.dispatcher.SendSignalToWorker(taskID, types.TaskSignalMessage{
		SignalID:   sig.ID,
		TaskID:     taskID,
		SignalName: signalName,
		Payload:    payload,
	}) {
		if _, markErr := s.store.MarkDelivered(ctx, sig.ID); markErr != nil {
			s.logger.Warn().Err(markErr).Str("signal_id", sig.ID).Msg("failed to mark signal delivered")
		} else {
			sig.Status = types.SignalDelivered
		}
	}
	return sig, nil
}

func isTerminal(status types.TaskStatus) bool {
	switch status {
	case types.StatusCompleted, types.StatusFailed, types.StatusDeadLetter, types.StatusCancelled:
		return true
	default:
		return false
	}
}

// ListSignals returns a task's signals, optionally filtered by status.
func (s *Service) ListSignals(ctx context.Context, taskID string, statusFilter *types.SignalStatus) ([]types.Signal, error) {
	return s.store.ListSignals(ctx, taskID, statusFilter)
}

// ListDeadLetters returns archived dead-letter entries, optionally filtered
// by queue (spec §4.7).
func (s *Service) ListDeadLetters(ctx context.Context, queueName *string, limit, offset int64) ([]types.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, queueName, limit, offset)
}

// SubscribeEvents registers and returns a new task-event subscriber.
// Callers must UnsubscribeEvents when they're done consuming.
func (s *Service) SubscribeEvents() events.Subscriber {
	return s.broker.Subscribe()
}

// UnsubscribeEvents removes a subscriber registered by SubscribeEvents.
func (s *Service) UnsubscribeEvents(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// SubscribeLogs sends taskRunID's persisted log history (if includeHistory)
// followed by newly-inserted rows, onto out, until ctx is cancelled. It
// closes out before returning (spec §4.10's "page by id cursor, then
// tail").
func (s *Service) SubscribeLogs(ctx context.Context, taskRunID string, includeHistory bool, out chan<- types.TaskLog) {
	defer close(out)

	var afterID *int64
	if includeHistory {
		logs, err := s.store.GetLogsForRun(ctx, taskRunID, 10000, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_run_id", taskRunID).Msg("failed to fetch log history")
		}
		for _, l := range logs {
			select {
			case <-ctx.Done():
				return
			case out <- l:
			}
			id := l.ID
			afterID = &id
		}
	}

	ticker := time.NewTicker(logTailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logs, err := s.store.GetLogsForRun(ctx, taskRunID, 1000, afterID)
			if err != nil {
				s.logger.Warn().Err(err).Str("task_run_id", taskRunID).Msg("failed to poll log tail")
				continue
			}
			for _, l := range logs {
				select {
				case <-ctx.Done():
					return
				case out <- l:
				}
				id := l.ID
				afterID = &id
			}
		}
	}
}

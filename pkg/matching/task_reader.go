package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/types"
)

// TaskDequeuer is the storage dependency of a Reader: the SKIP LOCKED style
// dequeue query of spec §4.2 / component G, grounded on
// valka-db/src/queries/tasks.rs's dequeue_tasks.
type TaskDequeuer interface {
	DequeueTasks(ctx context.Context, queueName string, partitionID int32, limit int32) ([]types.Task, error)
}

// Reader is the background loop that pulls PENDING tasks for one
// (queue, partition) out of the store and feeds them into the local
// matching Service, buffering anything that doesn't sync-match
// (spec §4.2, §4.4; component G).
type Reader struct {
	store       TaskDequeuer
	matching    *Service
	queueName   string
	partitionID int32
	config      Config
	logger      zerolog.Logger
}

// NewReader builds a Reader for one (queueName, partitionID) pair.
func NewReader(store TaskDequeuer, matching *Service, queueName string, partitionID int32, config Config) *Reader {
	return &Reader{
		store:       store,
		matching:    matching,
		queueName:   queueName,
		partitionID: partitionID,
		config:      config,
		logger: log.WithComponent("task_reader").With().
			Str("queue", queueName).Int32("partition", partitionID).Logger(),
	}
}

// Run polls the store on a busy/idle cadence until ctx is cancelled: after a
// poll that dispatches at least one task it polls again at the busy
// interval, otherwise it backs off to the idle interval (spec §4.2).
func (r *Reader) Run(ctx context.Context) {
	r.logger.Info().Msg("task reader started")

	busy := time.Duration(r.config.ReaderPollBusyMS) * time.Millisecond
	idle := time.Duration(r.config.ReaderPollIdleMS) * time.Millisecond
	if busy <= 0 {
		busy = 10 * time.Millisecond
	}
	if idle <= 0 {
		idle = 200 * time.Millisecond
	}
	interval := idle

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("task reader shutting down")
			return
		case <-timer.C:
			count, err := r.pollAndDispatch(ctx)
			switch {
			case err != nil:
				r.logger.Error().Err(err).Msg("task reader poll error")
				interval = idle
			case count > 0:
				r.logger.Debug().Int("count", count).Msg("task reader dispatched tasks")
				interval = busy
			default:
				interval = idle
			}
			timer.Reset(interval)
		}
	}
}

func (r *Reader) pollAndDispatch(ctx context.Context) (int, error) {
	limit := r.config.ReaderBatchSize
	if limit <= 0 {
		limit = 50
	}

	tasks, err := r.store.DequeueTasks(ctx, r.queueName, r.partitionID, limit)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		envelope := types.TaskEnvelope{
			TaskID:         task.ID,
			QueueName:      task.QueueName,
			TaskName:       task.TaskName,
			Input:          task.Input,
			AttemptNumber:  task.AttemptCount + 1,
			TimeoutSeconds: task.TimeoutSeconds,
			Metadata:       task.Metadata,
			Priority:       task.Priority,
		}

		if r.matching.OfferTask(r.queueName, r.partitionID, envelope) {
			continue
		}

		if !r.matching.BufferTask(r.queueName, r.partitionID, envelope) {
			// Buffer full: the task stays DISPATCHING in the store until a
			// node's startup orphan recovery resets it to PENDING.
			r.logger.Warn().Str("task_id", task.ID).Msg("buffer full, task remains in DISPATCHING state")
		}
	}

	return len(tasks), nil
}

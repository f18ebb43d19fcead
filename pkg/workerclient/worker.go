// Package workerclient is a minimal Go SDK for writing Valka task-handler
// processes: dial a node's worker session stream, announce queues and
// concurrency, execute assigned tasks through a user handler, and report
// results, heartbeats, and logs back over the same stream (spec §4.6, §4.7,
// §6). Grounded on
// original_source/crates/valka-sdk/src/worker.rs's ValkaWorkerBuilder/
// ValkaWorker (builder pattern translated to Go's functional-options idiom)
// and context.rs's TaskContext; the stream itself is pkg/rpc's
// WorkerSessionStream, which carries pkg/session's wire types directly.
package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/ids"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/rpc"
	"github.com/iwhitebird/valka/pkg/session"
	"github.com/iwhitebird/valka/pkg/types"
)

// PermanentError marks a handler failure as non-retryable: the task goes
// straight to FAILED rather than RETRY (spec §4.5's retryable distinction).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher reports the task as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// TaskHandler executes one task attempt and returns its output (marshalled
// as the task's Output JSON) or an error. Wrap the error with Permanent to
// skip retries.
type TaskHandler func(ctx context.Context, task TaskContext) (any, error)

const heartbeatInterval = 10 * time.Second

// Worker connects to one Valka node and processes tasks from a fixed set of
// queues with bounded concurrency.
type Worker struct {
	workerID    string
	name        string
	serverAddr  string
	queues      []string
	concurrency int32
	metadata    []byte
	handler     TaskHandler
	logger      zerolog.Logger
}

// Option configures a Worker built by New.
type Option func(*Worker)

// WithName sets the worker's human-readable name (default: a random
// "worker-xxxxxxxx").
func WithName(name string) Option {
	return func(w *Worker) { w.name = name }
}

// WithConcurrency bounds how many tasks this worker executes at once
// (default 1).
func WithConcurrency(n int32) Option {
	return func(w *Worker) { w.concurrency = n }
}

// WithMetadata attaches opaque JSON metadata to this worker's hello
// handshake.
func WithMetadata(metadata []byte) Option {
	return func(w *Worker) { w.metadata = metadata }
}

// New builds a Worker that will connect to serverAddr and process tasks
// from queues using handler.
func New(serverAddr string, queues []string, handler TaskHandler, opts ...Option) *Worker {
	w := &Worker{
		workerID:    ids.New(),
		name:        fmt.Sprintf("worker-%s", ids.New()[:8]),
		serverAddr:  serverAddr,
		queues:      queues,
		concurrency: 1,
		handler:     handler,
		logger:      log.WithComponent("workerclient"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run connects and processes tasks until ctx is cancelled, reconnecting
// with exponential backoff on any connection failure (spec §4.7's
// reconnect-and-resume contract). It always returns nil: when ctx is
// cancelled, or when the server sends ServerShutdown.
func (w *Worker) Run(ctx context.Context) error {
	policy := newRetryPolicy()
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := w.connectAndRun(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		delay := policy.nextDelay()
		w.logger.Warn().Err(err).Dur("retry_in", delay).Msg("worker session lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (w *Worker) connectAndRun(ctx context.Context) error {
	client, err := rpc.DialWorker(w.serverAddr)
	if err != nil {
		return fmt.Errorf("workerclient: dial %s: %w", w.serverAddr, err)
	}
	defer client.Close()

	stream, err := client.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("workerclient: open session: %w", err)
	}

	w.logger.Info().Str("worker_id", w.workerID).Str("server_addr", w.serverAddr).Msg("connecting to server")

	if err := stream.Send(session.WorkerInbound{Hello: &session.WorkerHello{
		WorkerID:    w.workerID,
		WorkerName:  w.name,
		Queues:      w.queues,
		Concurrency: w.concurrency,
		Metadata:    w.metadata,
	}}); err != nil {
		return fmt.Errorf("workerclient: send hello: %w", err)
	}

	var sendMu sync.Mutex
	send := func(msg session.WorkerInbound) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(msg)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.heartbeatLoop(runCtx, send)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}

		switch {
		case msg.TaskAssignment != nil:
			assignment := *msg.TaskAssignment
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.executeTask(runCtx, assignment, send)
			}()
		case msg.TaskCancellation != nil:
			w.logger.Info().Str("task_id", msg.TaskCancellation.TaskID).Msg("task cancelled by server")
		case msg.TaskSignal != nil:
			w.logger.Debug().Str("task_id", msg.TaskSignal.TaskID).Str("signal", msg.TaskSignal.SignalName).
				Msg("signal delivered (no handler registered)")
			_ = send(session.WorkerInbound{SignalAckID: &msg.TaskSignal.SignalID})
		case msg.HeartbeatAck != nil:
			// nothing to do
		case msg.ServerShutdown != nil:
			w.logger.Info().Str("reason", msg.ServerShutdown.Reason).Msg("server shutting down")
			return nil
		}
	}
}

func (w *Worker) executeTask(ctx context.Context, a types.TaskAssignment, send func(session.WorkerInbound) error) {
	taskCtx := TaskContext{
		TaskID:        a.TaskID,
		TaskRunID:     a.TaskRunID,
		QueueName:     a.QueueName,
		TaskName:      a.TaskName,
		AttemptNumber: a.AttemptNumber,
		Input:         json.RawMessage(a.Input),
		Metadata:      json.RawMessage(a.Metadata),
		sendLog: func(entry types.LogEntry) {
			_ = send(session.WorkerInbound{LogBatch: []types.LogEntry{entry}})
		},
	}

	output, err := w.handler(ctx, taskCtx)

	result := types.TaskResult{TaskID: a.TaskID, TaskRunID: a.TaskRunID}
	if err != nil {
		result.Success = false
		result.ErrorMessage = err.Error()
		var perm *PermanentError
		result.Retryable = !errors.As(err, &perm)
	} else {
		result.Success = true
		if output != nil {
			if raw, marshalErr := json.Marshal(output); marshalErr == nil {
				result.Output = raw
			} else {
				w.logger.Warn().Err(marshalErr).Str("task_id", a.TaskID).Msg("failed to marshal task output")
			}
		}
	}

	if err := send(session.WorkerInbound{TaskResult: &result}); err != nil {
		w.logger.Warn().Err(err).Str("task_id", a.TaskID).Msg("failed to report task result")
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, send func(session.WorkerInbound) error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(session.WorkerInbound{Heartbeat: &types.WorkerHeartbeat{}}); err != nil {
				return
			}
		}
	}
}

// Package session drives one worker's bidirectional message stream: the
// WorkerHello handshake, the multiplexed inbound message loop, and the
// outbound writer pump, wiring both into the dispatcher (spec §4.7;
// component I). Grounded on
// original_source/crates/valka-dispatcher/src/stream.rs. The stream itself
// is abstracted behind Stream so this package has no dependency on the
// concrete gRPC transport.
package session

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/ids"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/types"
)

// ErrFirstMessageNotHello is returned when a worker's first inbound message
// is not a WorkerHello (spec §4.7: "any other first message closes the
// stream").
var ErrFirstMessageNotHello = errors.New("session: first message must be WorkerHello")

// WorkerHello is the handshake a worker stream must open with.
type WorkerHello struct {
	WorkerID    string
	WorkerName  string
	Queues      []string
	Concurrency int32
	Metadata    []byte
}

// WorkerInbound is the envelope for the one message type a worker sends;
// exactly one field is non-nil, mirroring the WorkerRequest oneof.
type WorkerInbound struct {
	Hello            *WorkerHello
	TaskResult       *types.TaskResult
	Heartbeat        *types.WorkerHeartbeat
	LogBatch         []types.LogEntry
	SignalAckID      *string
	GracefulShutdown *string // reason; nil if not a shutdown message
}

// Stream is the transport-agnostic surface a session drives. Recv returns
// io.EOF on clean stream end.
type Stream interface {
	Recv() (WorkerInbound, error)
	Send(types.WorkerOutbound) error
}

// Handle runs one worker's stream to completion: hello handshake, match
// loop, outbound pump, and inbound message multiplexing. It returns when
// the stream ends, the worker sends GracefulShutdown, or ctx is cancelled;
// cleanup (match loop stop, dispatcher deregistration) always runs before
// it returns.
func Handle(ctx context.Context, disp *dispatcher.Service, stream Stream, ingest chan<- types.LogEntry) error {
	logger := log.WithComponent("session")

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Hello == nil {
		return ErrFirstMessageNotHello
	}
	hello := first.Hello

	workerID := hello.WorkerID
	if workerID == "" {
		workerID = ids.New()
	}

	handle := dispatcher.NewWorkerHandle(workerID, hello.WorkerName, hello.Queues, hello.Concurrency, hello.Metadata)
	disp.RegisterWorker(handle)
	logger.Info().Str("worker_id", workerID).Str("worker_name", hello.WorkerName).
		Strs("queues", hello.Queues).Int32("concurrency", hello.Concurrency).Msg("worker connected")

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	go disp.RunMatchLoop(loopCtx, workerID, hello.Queues)
	go pumpOutbound(loopCtx, handle, stream, logger)

	defer func() {
		cancelLoop()
		disp.DeregisterWorker(context.Background(), workerID)
		logger.Info().Str("worker_id", workerID).Msg("worker session ended")
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case msg.TaskResult != nil:
			disp.HandleResult(ctx, workerID, *msg.TaskResult)
		case msg.Heartbeat != nil:
			disp.HandleHeartbeat(ctx, workerID, *msg.Heartbeat)
			handle.Outbound <- types.WorkerOutbound{HeartbeatAck: &types.HeartbeatAck{}}
		case msg.LogBatch != nil:
			disp.HandleLogBatch(msg.LogBatch, ingest)
		case msg.SignalAckID != nil:
			disp.HandleSignalAck(ctx, *msg.SignalAckID)
		case msg.GracefulShutdown != nil:
			logger.Info().Str("worker_id", workerID).Str("reason", *msg.GracefulShutdown).
				Msg("worker graceful shutdown")
			return nil
		default:
			logger.Warn().Str("worker_id", workerID).Msg("empty worker request")
		}
	}
}

// pumpOutbound drains handle.Outbound onto the wire until ctx is cancelled
// or a send fails, preserving the FIFO order spec §5 requires per worker.
func pumpOutbound(ctx context.Context, handle *dispatcher.WorkerHandle, stream Stream, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-handle.Outbound:
			if err := stream.Send(msg); err != nil {
				logger.Warn().Err(err).Str("worker_id", handle.WorkerID).Msg("outbound send failed")
				return
			}
		}
	}
}

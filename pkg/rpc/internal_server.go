package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

// InternalService implements the node-to-node forwarding RPCs peers use to
// hand a task to its partition owner, relay a dashboard event, or fetch a
// task run's logs, grounded on
// original_source/crates/valka-server/src/internal_grpc.rs (spec §9;
// component D's receiving side).
type InternalService struct {
	store    store.Store
	matching *matching.Service
	broker   *events.Broker
	nodeID   string
}

// NewInternalService builds the server-side handler for Valka's internal
// gRPC service.
func NewInternalService(st store.Store, m *matching.Service, broker *events.Broker, nodeID string) *InternalService {
	return &InternalService{store: st, matching: m, broker: broker, nodeID: nodeID}
}

// ForwardTask re-reads the task (already persisted by the originating node)
// and attempts a local sync-match, since this node owns the task's
// partition.
func (s *InternalService) ForwardTask(ctx context.Context, req ForwardTaskRequest) (ForwardTaskResponse, error) {
	task, ok, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return ForwardTaskResponse{}, status.Errorf(codes.Internal, "load forwarded task: %v", err)
	}
	if !ok {
		return ForwardTaskResponse{}, status.Errorf(codes.NotFound, "forwarded task not found: %s", req.TaskID)
	}

	s.matching.EnsureQueue(req.QueueName)
	accepted := s.matching.OfferTask(req.QueueName, req.PartitionID, types.TaskEnvelope{
		TaskID:         task.ID,
		QueueName:      task.QueueName,
		TaskName:       task.TaskName,
		Input:          task.Input,
		AttemptNumber:  task.AttemptCount + 1,
		TimeoutSeconds: task.TimeoutSeconds,
		Metadata:       task.Metadata,
		Priority:       task.Priority,
	})
	return ForwardTaskResponse{Accepted: accepted}, nil
}

// ForwardEvent republishes a peer-originated event onto this node's local
// broker, so its dashboard subscribers see it too.
func (s *InternalService) ForwardEvent(_ context.Context, req ForwardEventRequest) (ForwardEventResponse, error) {
	s.broker.Publish(eventFromWire(req.Event))
	return ForwardEventResponse{}, nil
}

// RelayLogs streams a task run's persisted log history (at most 10000
// entries, oldest first), then closes —
// it is a one-shot history fetch, not a live tail (internal_grpc.rs's
// relay_logs never feeds its channel past the initial query).
func (s *InternalService) RelayLogs(ctx context.Context, req RelayLogsRequest, send func(WireTaskLog) error) error {
	logs, err := s.store.GetLogsForRun(ctx, req.TaskRunID, 10000, nil)
	if err != nil {
		return status.Errorf(codes.Internal, "load logs: %v", err)
	}
	for _, l := range logs {
		if err := send(taskLogToWire(l)); err != nil {
			return err
		}
	}
	return nil
}

// Ping answers a liveness probe with this node's id and current time.
func (s *InternalService) Ping(_ context.Context, _ PingRequest) (PingResponse, error) {
	return PingResponse{NodeID: s.nodeID, TimestampMs: time.Now().UnixMilli()}, nil
}

const internalServiceName = "valka.Internal"

// InternalServiceDesc binds InternalService's methods to the grpc
// transport in place of a protoc-generated descriptor.
var InternalServiceDesc = grpc.ServiceDesc{
	ServiceName: internalServiceName,
	HandlerType: (*InternalService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ForwardTask",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				var req ForwardTaskRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				s := srv.(*InternalService)
				if interceptor == nil {
					return s.ForwardTask(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + internalServiceName + "/ForwardTask"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.ForwardTask(ctx, req.(ForwardTaskRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "ForwardEvent",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				var req ForwardEventRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				s := srv.(*InternalService)
				if interceptor == nil {
					return s.ForwardEvent(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + internalServiceName + "/ForwardEvent"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.ForwardEvent(ctx, req.(ForwardEventRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Ping",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				var req PingRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				s := srv.(*InternalService)
				if interceptor == nil {
					return s.Ping(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + internalServiceName + "/Ping"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.Ping(ctx, req.(PingRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RelayLogs",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				var req RelayLogsRequest
				if err := stream.RecvMsg(&req); err != nil {
					return err
				}
				s := srv.(*InternalService)
				return s.RelayLogs(stream.Context(), req, func(l WireTaskLog) error {
					return stream.SendMsg(&l)
				})
			},
		},
	},
	Metadata: "valka/internal.proto",
}

// RegisterInternalService registers s with a grpc.Server (or any
// ServiceRegistrar, e.g. for tests).
func RegisterInternalService(r grpc.ServiceRegistrar, s *InternalService) {
	r.RegisterService(&InternalServiceDesc, s)
}

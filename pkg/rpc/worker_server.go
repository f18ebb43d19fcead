package rpc

import (
	"google.golang.org/grpc"

	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/session"
	"github.com/iwhitebird/valka/pkg/types"
)

const workerServiceName = "valka.Worker"

// WorkerService binds a worker's single bidirectional Session stream to
// pkg/session.Handle, grounded on
// original_source/crates/valka-server/src/grpc.rs's WorkerServiceImpl
// (spec §4.6, §4.7; component I's wire side). session.WorkerInbound and
// types.WorkerOutbound are plain Go structs, so the hand-registered json
// codec carries them directly — no separate wire-message translation layer
// is needed here, unlike the other two services where the wire types
// intentionally stay decoupled from the domain model.
type WorkerService struct {
	dispatcher *dispatcher.Service
	ingest     chan<- types.LogEntry
}

// NewWorkerService builds the server-side handler for Valka's worker
// session stream.
func NewWorkerService(disp *dispatcher.Service, ingest chan<- types.LogEntry) *WorkerService {
	return &WorkerService{dispatcher: disp, ingest: ingest}
}

// grpcSessionStream adapts a grpc.ServerStream to session.Stream.
type grpcSessionStream struct {
	stream grpc.ServerStream
}

func (g grpcSessionStream) Recv() (session.WorkerInbound, error) {
	var msg session.WorkerInbound
	if err := g.stream.RecvMsg(&msg); err != nil {
		return session.WorkerInbound{}, err
	}
	return msg, nil
}

func (g grpcSessionStream) Send(msg types.WorkerOutbound) error {
	return g.stream.SendMsg(&msg)
}

// WorkerServiceDesc binds WorkerService's one RPC, Session, to the grpc
// transport in place of a protoc-generated descriptor.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerServiceName,
	HandlerType: (*WorkerService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				s := srv.(*WorkerService)
				return session.Handle(stream.Context(), s.dispatcher, grpcSessionStream{stream: stream}, s.ingest)
			},
		},
	},
	Metadata: "valka/worker.proto",
}

// RegisterWorkerService registers s with a grpc.Server (or any
// ServiceRegistrar, e.g. for tests).
func RegisterWorkerService(r grpc.ServiceRegistrar, s *WorkerService) {
	r.RegisterService(&WorkerServiceDesc, s)
}

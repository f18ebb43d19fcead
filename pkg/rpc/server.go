package rpc

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/iwhitebird/valka/pkg/api"
	"github.com/iwhitebird/valka/pkg/log"
)

// Server wraps the grpc.Server hosting Valka's three services: internal
// forwarding (valka.Internal), worker sessions (valka.Worker), and the
// control/API surface (valka.Control), grounded on the teacher's
// pkg/api.Server's grpc.Server-wrapping shape, minus mTLS (spec carries no
// transport-security requirement).
type Server struct {
	grpc *grpc.Server
}

// NewServer builds a grpc.Server with all three of Valka's services
// registered and the logging interceptors from pkg/api attached.
func NewServer(internalSvc *InternalService, workerSvc *WorkerService, controlSvc *ControlService) *Server {
	s := grpc.NewServer(
		grpc.UnaryInterceptor(api.UnaryLoggingInterceptor()),
		grpc.StreamInterceptor(api.StreamLoggingInterceptor()),
	)
	RegisterInternalService(s, internalSvc)
	RegisterWorkerService(s, workerSvc)
	RegisterControlService(s, controlSvc)
	return &Server{grpc: s}
}

// Start listens on addr and serves until Stop is called or Serve errors.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}
	log.WithComponent("rpc").Info().Str("addr", addr).Msg("grpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before shutting down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

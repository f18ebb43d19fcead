package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iwhitebird/valka/pkg/session"
	"github.com/iwhitebird/valka/pkg/types"
)

// WorkerClient dials one node's valka.Worker service. pkg/workerclient uses
// this instead of talking to *grpc.ClientConn directly so the json codec
// selection and full-method naming stay in one place.
type WorkerClient struct {
	conn *grpc.ClientConn
}

// DialWorker opens a plain (no TLS) connection to addr's worker service.
func DialWorker(addr string) (*WorkerClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &WorkerClient{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *WorkerClient) Close() error { return c.conn.Close() }

// WorkerSessionStream is a worker's end of the Session bidi stream, carrying
// session.WorkerInbound/types.WorkerOutbound directly as wire types.
type WorkerSessionStream struct {
	stream grpc.ClientStream
}

// OpenSession opens the Session stream to the dialed node.
func (c *WorkerClient) OpenSession(ctx context.Context) (*WorkerSessionStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Session", ServerStreams: true, ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+workerServiceName+"/Session", callOpts...)
	if err != nil {
		return nil, err
	}
	return &WorkerSessionStream{stream: stream}, nil
}

// Send writes one worker-originated message onto the stream.
func (s *WorkerSessionStream) Send(msg session.WorkerInbound) error {
	return s.stream.SendMsg(&msg)
}

// Recv blocks for the next server-originated message; returns io.EOF (via
// the underlying grpc stream) when the server closes the stream.
func (s *WorkerSessionStream) Recv() (types.WorkerOutbound, error) {
	var msg types.WorkerOutbound
	if err := s.stream.RecvMsg(&msg); err != nil {
		return types.WorkerOutbound{}, err
	}
	return msg, nil
}

// CloseSend half-closes the stream's send direction.
func (s *WorkerSessionStream) CloseSend() error { return s.stream.CloseSend() }

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iwhitebird/valka/pkg/forwarder"
	"github.com/iwhitebird/valka/pkg/types"
)

// Dial implements forwarder.Dialer by opening an InternalClient; pkg/node
// passes this to forwarder.New.
func Dial(addr string) (forwarder.Client, error) { return DialInternal(addr) }

// callOpts selects the hand-registered json codec for every call this
// package makes; grpc defaults to the "proto" codec otherwise.
var callOpts = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

// InternalClient dials one peer's internal gRPC service and satisfies
// pkg/forwarder.Client.
type InternalClient struct {
	conn *grpc.ClientConn
}

// DialInternal opens a plain (no TLS) connection to a peer's internal
// service at addr; Dial wraps it to satisfy pkg/forwarder.Dialer. Valka's spec carries no
// transport-security requirement, unlike the teacher's mTLS-gated API.
func DialInternal(addr string) (*InternalClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &InternalClient{conn: conn}, nil
}

// ForwardTask asks the peer at this client's address to accept a task for
// synchronous matching.
func (c *InternalClient) ForwardTask(ctx context.Context, taskID, queueName string, partitionID int32) (bool, error) {
	req := ForwardTaskRequest{TaskID: taskID, QueueName: queueName, PartitionID: partitionID}
	var resp ForwardTaskResponse
	if err := c.conn.Invoke(ctx, "/"+internalServiceName+"/ForwardTask", req, &resp, callOpts...); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// ForwardEvent relays a locally-originated task event to the peer.
func (c *InternalClient) ForwardEvent(ctx context.Context, event types.TaskEvent) error {
	req := ForwardEventRequest{Event: eventToWire(event)}
	var resp ForwardEventResponse
	return c.conn.Invoke(ctx, "/"+internalServiceName+"/ForwardEvent", req, &resp, callOpts...)
}

// RelayLogs opens a server-streaming call for taskRunID's log history,
// translating each received WireTaskLog onto the returned channel, which is
// closed when the stream ends (spec §9).
func (c *InternalClient) RelayLogs(ctx context.Context, taskRunID string) (<-chan types.TaskLog, error) {
	desc := &grpc.StreamDesc{StreamName: "RelayLogs", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+internalServiceName+"/RelayLogs", callOpts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&RelayLogsRequest{TaskRunID: taskRunID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan types.TaskLog, 64)
	go func() {
		defer close(out)
		for {
			var w WireTaskLog
			if err := stream.RecvMsg(&w); err != nil {
				return
			}
			select {
			case out <- types.TaskLog{
				ID:          w.ID,
				TaskRunID:   w.TaskRunID,
				TimestampMs: w.TimestampMs,
				Level:       types.LogLevel(w.Level),
				Message:     w.Message,
				Metadata:    []byte(w.Metadata),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ping probes the peer's liveness, mainly useful for tests and diagnostics.
func (c *InternalClient) Ping(ctx context.Context, nodeID string, timestampMs int64) (PingResponse, error) {
	req := PingRequest{NodeID: nodeID, TimestampMs: timestampMs}
	var resp PingResponse
	err := c.conn.Invoke(ctx, "/"+internalServiceName+"/Ping", req, &resp, callOpts...)
	return resp, err
}

// Close tears down the underlying connection.
func (c *InternalClient) Close() error { return c.conn.Close() }

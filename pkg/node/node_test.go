package node

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/api"
	"github.com/iwhitebird/valka/pkg/cluster"
	"github.com/iwhitebird/valka/pkg/config"
	"github.com/iwhitebird/valka/pkg/dispatcher"
	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/forwarder"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/matching"
	"github.com/iwhitebird/valka/pkg/readermanager"
	"github.com/iwhitebird/valka/pkg/rpc"
	"github.com/iwhitebird/valka/pkg/scheduler"
	"github.com/iwhitebird/valka/pkg/store"
)

// newTestNode wires a Node by hand against store.NewMemory rather than
// going through New/store.Open, so this package's lifecycle (Run/Shutdown)
// can be exercised without a live Postgres instance.
func newTestNode(t *testing.T) *Node {
	t.Helper()

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcAddr := grpcLis.Addr().String()
	require.NoError(t, grpcLis.Close())

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := httpLis.Addr().String()
	require.NoError(t, httpLis.Close())

	cfg := config.Default()
	cfg.NodeID = "node-1"
	cfg.GRPCAddr = grpcAddr
	cfg.HTTPAddr = httpAddr

	st := store.NewMemory()
	matchingCfg := matching.Config{
		NumPartitions: cfg.Matching.NumPartitions, BranchingFactor: cfg.Matching.BranchingFactor,
		MaxBufferPerPartition: cfg.Matching.MaxBufferPerPartition, ReaderBatchSize: cfg.Matching.TaskReaderBatchSize,
		ReaderPollBusyMS: cfg.Matching.TaskReaderPollBusyMs, ReaderPollIdleMS: cfg.Matching.TaskReaderPollIdleMs,
	}
	m := matching.NewService(matchingCfg)
	broker := events.NewBroker()
	clus := cluster.NewSingleNode(cfg.NodeID, cfg.Matching.NumPartitions)
	disp := dispatcher.NewService(m, st, cfg.NodeID, broker)
	fwd := forwarder.New(rpc.Dial)
	readers := readermanager.NewManager(st, m, clus, matchingCfg)
	sched := scheduler.NewService(st, scheduler.Config{
		ReaperIntervalSecs: cfg.Scheduler.ReaperIntervalSecs, RetryBaseDelaySecs: cfg.Scheduler.RetryBaseDelaySecs,
		RetryMaxDelaySecs: cfg.Scheduler.RetryMaxDelaySecs, DLQCheckIntervalSecs: cfg.Scheduler.DLQCheckIntervalSecs,
		DelayedCheckIntervalSecs: cfg.Scheduler.DelayedCheckIntervalSecs,
	})
	logIngester, ingestCh := scheduler.NewLogIngester(st, scheduler.LogIngesterConfig{
		BatchSize: cfg.LogIngester.BatchSize, FlushIntervalMs: cfg.LogIngester.FlushIntervalMs,
	})
	apiSvc := api.NewService(st, m, disp, fwd, clus, broker, cfg.NodeID)
	rpcServer := rpc.NewServer(
		rpc.NewInternalService(st, m, broker, cfg.NodeID),
		rpc.NewWorkerService(disp, ingestCh),
		rpc.NewControlService(apiSvc),
	)
	healthSrv := api.NewHealthServer(st, clus)

	n := &Node{
		cfg: cfg, store: st, matching: m, dispatcher: disp, cluster: clus, forwarder: fwd,
		broker: broker, readers: readers, scheduler: sched, logIngest: logIngester,
		apiSvc: apiSvc, rpcServer: rpcServer, healthSrv: healthSrv,
		httpServer: &http.Server{Addr: httpAddr, Handler: healthSrv.Handler()},
		logger:     log.WithNodeID(cfg.NodeID),
	}
	return n
}

func TestNode_RunStartsAllServicesAndShutsDownCleanly(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", n.cfg.GRPCAddr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "grpc server should start listening")

	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

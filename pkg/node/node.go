// Package node wires one Valka process together: storage, matching,
// dispatcher, cluster membership, forwarding, the control/API and gRPC
// layers, the leader-only scheduler, the reader manager, and the health/
// metrics HTTP surface (spec §9's node bootstrap). Grounded on the
// teacher's pkg/manager.Manager's Config/New/Bootstrap/Shutdown shape,
// stripped of raft, the certificate authority, and every container/
// networking concern that has no place in a task-queue node.
package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

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

// Node owns every long-running component of one Valka process and the
// goroutines driving them.
type Node struct {
	cfg config.Config

	store      store.Store
	matching   *matching.Service
	dispatcher *dispatcher.Service
	cluster    *cluster.Manager
	forwarder  *forwarder.Forwarder
	broker     *events.Broker
	readers    *readermanager.Manager
	scheduler  *scheduler.Service
	logIngest  *scheduler.LogIngester
	apiSvc     *api.Service
	rpcServer  *rpc.Server
	healthSrv  *api.HealthServer
	httpServer *http.Server

	logger zerolog.Logger
}

// New builds and wires a Node from cfg, opening the database connection and
// starting the cluster membership layer, but does not yet start any
// background loop or listener — call Run for that.
func New(ctx context.Context, cfg config.Config) (*Node, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("node: opening store: %w", err)
	}

	matchingCfg := matching.Config{
		NumPartitions:         cfg.Matching.NumPartitions,
		BranchingFactor:       cfg.Matching.BranchingFactor,
		MaxBufferPerPartition: cfg.Matching.MaxBufferPerPartition,
		ReaderBatchSize:       cfg.Matching.TaskReaderBatchSize,
		ReaderPollBusyMS:      cfg.Matching.TaskReaderPollBusyMs,
		ReaderPollIdleMS:      cfg.Matching.TaskReaderPollIdleMs,
	}
	m := matching.NewService(matchingCfg)

	broker := events.NewBroker()

	var clus *cluster.Manager
	if len(cfg.Gossip.SeedNodes) == 0 && cfg.Gossip.ListenAddr == "" {
		clus = cluster.NewSingleNode(cfg.NodeID, cfg.Matching.NumPartitions)
	} else {
		clus, err = cluster.NewClustered(cfg.NodeID, cfg.Matching.NumPartitions, cluster.Config{
			BindAddr:  cfg.Gossip.ListenAddr,
			SeedNodes: cfg.Gossip.SeedNodes,
			ClusterID: cfg.Gossip.ClusterID,
		}, cfg.GRPCAddr)
		if err != nil {
			return nil, fmt.Errorf("node: starting cluster membership: %w", err)
		}
	}

	disp := dispatcher.NewService(m, st, cfg.NodeID, broker)

	fwd := forwarder.New(rpc.Dial)

	readers := readermanager.NewManager(st, m, clus, matchingCfg)

	schedCfg := scheduler.Config{
		ReaperIntervalSecs:       cfg.Scheduler.ReaperIntervalSecs,
		RetryBaseDelaySecs:       cfg.Scheduler.RetryBaseDelaySecs,
		RetryMaxDelaySecs:        cfg.Scheduler.RetryMaxDelaySecs,
		DLQCheckIntervalSecs:     cfg.Scheduler.DLQCheckIntervalSecs,
		DelayedCheckIntervalSecs: cfg.Scheduler.DelayedCheckIntervalSecs,
	}
	sched := scheduler.NewService(st, schedCfg)

	logIngestCfg := scheduler.LogIngesterConfig{
		BatchSize:       cfg.LogIngester.BatchSize,
		FlushIntervalMs: cfg.LogIngester.FlushIntervalMs,
	}
	logIngester, ingestCh := scheduler.NewLogIngester(st, logIngestCfg)

	apiSvc := api.NewService(st, m, disp, fwd, clus, broker, cfg.NodeID)

	internalSvc := rpc.NewInternalService(st, m, broker, cfg.NodeID)
	workerSvc := rpc.NewWorkerService(disp, ingestCh)
	controlSvc := rpc.NewControlService(apiSvc)
	rpcServer := rpc.NewServer(internalSvc, workerSvc, controlSvc)

	healthSrv := api.NewHealthServer(st, clus)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: healthSrv.Handler()}

	return &Node{
		cfg:        cfg,
		store:      st,
		matching:   m,
		dispatcher: disp,
		cluster:    clus,
		forwarder:  fwd,
		broker:     broker,
		readers:    readers,
		scheduler:  sched,
		logIngest:  logIngester,
		apiSvc:     apiSvc,
		rpcServer:  rpcServer,
		healthSrv:  healthSrv,
		httpServer: httpServer,
		logger:     log.WithNodeID(cfg.NodeID),
	}, nil
}

// Run performs startup orphan recovery (spec §4.8: "every node also runs
// orphan recovery at startup") and then starts every background loop and
// the gRPC/HTTP listeners, blocking until ctx is cancelled. It returns the
// first error any listener reports, if any.
func (n *Node) Run(ctx context.Context) error {
	recovered, err := n.store.RecoverOrphanedDispatching(ctx)
	if err != nil {
		return fmt.Errorf("node: orphan recovery: %w", err)
	}
	n.logger.Info().Int("count", len(recovered)).Msg("orphan recovery complete")

	n.broker.Start()

	errCh := make(chan error, 2)

	go n.dispatcher.Run(ctx)
	go n.logIngest.Run(ctx)
	go n.scheduler.Run(ctx)
	go n.readers.Run(ctx, n.clusterEventsOrNil())
	go events.RunEventRelay(ctx, n.broker, n.cluster, n.forwarder)

	go func() {
		n.logger.Info().Str("addr", n.cfg.HTTPAddr).Msg("health server listening")
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("node: health server: %w", err)
		}
	}()
	go func() {
		if err := n.rpcServer.Start(n.cfg.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("node: rpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		n.Shutdown()
		return nil
	case err := <-errCh:
		n.Shutdown()
		return err
	}
}

// clusterEventsOrNil subscribes to cluster membership events if this node is
// clustered; readermanager tolerates a nil channel (it just never receives
// an early-reconcile trigger and falls back to its ticker).
func (n *Node) clusterEventsOrNil() <-chan events.ClusterEvent {
	if !n.cluster.IsClustered() {
		return nil
	}
	return n.cluster.SubscribeEvents()
}

// Shutdown stops the gRPC and HTTP servers and leaves cluster membership,
// best effort. Background loops started by Run exit on their own once ctx
// is cancelled; Shutdown does not wait for them.
func (n *Node) Shutdown() {
	n.rpcServer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn().Err(err).Msg("error shutting down health server")
	}
	n.broker.Stop()
	if err := n.cluster.Shutdown(); err != nil {
		n.logger.Warn().Err(err).Msg("error leaving cluster")
	}
}

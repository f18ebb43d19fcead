// Package readermanager keeps each node's set of running matching.Reader
// loops in sync with the partitions it currently owns, reconciling on a
// fixed interval and whenever the cluster layer reports a membership
// change (spec §4.9; component M).
//
// Grounded on the teacher's pkg/reconciler/reconciler.go for the
// ticker-plus-event-driven reconcile loop shape, and on
// original_source/crates/valka-matching/src/task_reader.rs for the reader
// it supervises (pkg/matching.Reader).
package readermanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/events"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/matching"
)

// reconcileInterval is the fallback cadence; PartitionsRebalanced events
// trigger an immediate reconcile in between ticks.
const reconcileInterval = 10 * time.Second

// ownershipOracle is the cluster dependency: whether this node currently
// owns a given (queue, partition), satisfied by pkg/cluster.Manager.
type ownershipOracle interface {
	OwnsPartition(queueName string, partitionID int32) bool
	NumPartitions() int32
}

// queueLister discovers known queue names, satisfied by pkg/store.Store.
type queueLister interface {
	DistinctQueueNames(ctx context.Context) ([]string, error)
}

type readerKey struct {
	queue     string
	partition int32
}

// Manager supervises one matching.Reader per (queue, partition) this node
// owns, starting and stopping them as ownership changes.
type Manager struct {
	store    queueLister
	matching *matching.Service
	cluster  ownershipOracle
	config   matching.Config

	mu      sync.Mutex
	running map[readerKey]context.CancelFunc

	logger zerolog.Logger
}

// NewManager builds a reader manager bound to st, m, and cluster, using
// config to construct any matching.Reader it spawns.
func NewManager(st queueLister, m *matching.Service, cluster ownershipOracle, config matching.Config) *Manager {
	return &Manager{
		store:    st,
		matching: m,
		cluster:  cluster,
		config:   config,
		running:  make(map[readerKey]context.CancelFunc),
		logger:   log.WithComponent("reader-manager"),
	}
}

// Run reconciles on a fixed interval and on every PartitionsRebalanced
// event received on clusterEvents, until ctx is cancelled. All readers it
// started are stopped before Run returns.
func (m *Manager) Run(ctx context.Context, clusterEvents <-chan events.ClusterEvent) {
	m.logger.Info().Msg("reader manager started")
	defer m.logger.Info().Msg("reader manager stopped")

	m.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.reconcile(ctx)
		case ev, ok := <-clusterEvents:
			if !ok {
				continue
			}
			if ev.Kind == events.PartitionsRebalanced {
				m.reconcile(ctx)
			}
		}
	}
}

// reconcile discovers every (queue, partition) this node now owns, starts
// a reader for any that aren't already running, and stops readers for any
// that are running but no longer owned (spec §4.9 points 1-3).
func (m *Manager) reconcile(ctx context.Context) {
	queues, err := m.store.DistinctQueueNames(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list queues for reconcile")
		return
	}

	desired := make(map[readerKey]bool)
	numPartitions := m.cluster.NumPartitions()
	for _, queue := range queues {
		m.matching.EnsureQueue(queue)
		for pid := int32(0); pid < numPartitions; pid++ {
			if m.cluster.OwnsPartition(queue, pid) {
				desired[readerKey{queue: queue, partition: pid}] = true
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range desired {
		if _, ok := m.running[key]; ok {
			continue
		}
		m.startReaderLocked(ctx, key)
	}

	for key, cancel := range m.running {
		if !desired[key] {
			cancel()
			delete(m.running, key)
			m.logger.Info().Str("queue", key.queue).Int32("partition", key.partition).
				Msg("stopped reader, partition no longer owned")
		}
	}
}

// startReaderLocked must be called with m.mu held.
func (m *Manager) startReaderLocked(ctx context.Context, key readerKey) {
	readerCtx, cancel := context.WithCancel(ctx)
	m.running[key] = cancel

	// TaskDequeuer is satisfied structurally; readermanager takes any
	// queueLister-and-dequeue-capable store via this narrower interface so
	// it doesn't need the full store.Store surface.
	dequeuer, ok := m.store.(matching.TaskDequeuer)
	if !ok {
		m.logger.Error().Str("queue", key.queue).Int32("partition", key.partition).
			Msg("store does not implement TaskDequeuer, cannot start reader")
		return
	}

	reader := matching.NewReader(dequeuer, m.matching, key.queue, key.partition, m.config)
	go reader.Run(readerCtx)
	m.logger.Info().Str("queue", key.queue).Int32("partition", key.partition).
		Msg("started reader, partition now owned")
}

// stopAll cancels every running reader, used on shutdown.
func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.running {
		cancel()
		delete(m.running, key)
	}
}

// Package forwarder implements inter-node task/event forwarding with a
// per-node circuit breaker, grounded on
// original_source/crates/valka-cluster/src/forwarder.rs (spec §4.1, §9;
// component D). It never surfaces circuit-open failures to API clients —
// callers treat a forwarder error as "try the next thing", per spec §7.
package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/types"
	"github.com/iwhitebird/valka/pkg/verrors"
)

const (
	failureThreshold  = 3
	recoveryTimeout   = 10 * time.Second
	forwardRetryDelay = 200 * time.Millisecond
)

// CircuitState is one state of a per-node circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type nodeCircuit struct {
	state        CircuitState
	failureCount uint32
	lastFailure  time.Time
}

// Client is the set of inter-node RPCs a Forwarder drives against one peer.
// Concrete implementations dial the peer's internal gRPC service (pkg/rpc).
type Client interface {
	ForwardTask(ctx context.Context, taskID, queueName string, partitionID int32) (accepted bool, err error)
	ForwardEvent(ctx context.Context, event types.TaskEvent) error
	RelayLogs(ctx context.Context, taskRunID string) (<-chan types.TaskLog, error)
	Close() error
}

// Dialer opens a Client to addr. Connections are cached by the Forwarder, so
// Dialer is normally called at most once per live peer address.
type Dialer func(addr string) (Client, error)

// Forwarder caches one Client per peer address and gates calls to each
// address behind a circuit breaker: 3 consecutive failures opens the
// circuit for 10s, after which one probe call is let through (half-open)
// before the circuit fully closes again (spec §9 design note).
type Forwarder struct {
	mu       sync.RWMutex
	clients  map[string]Client
	circuits map[string]*nodeCircuit
	dial     Dialer
	logger   zerolog.Logger
}

// New builds a Forwarder that dials peers with dial.
func New(dial Dialer) *Forwarder {
	return &Forwarder{
		clients:  make(map[string]Client),
		circuits: make(map[string]*nodeCircuit),
		dial:     dial,
		logger:   log.WithComponent("forwarder"),
	}
}

func (f *Forwarder) getClient(addr string) (Client, error) {
	f.mu.RLock()
	if c, ok := f.clients[addr]; ok {
		f.mu.RUnlock()
		return c, nil
	}
	f.mu.RUnlock()

	c, err := f.dial(addr)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[addr]; ok {
		_ = c.Close()
		return existing, nil
	}
	f.clients[addr] = c
	return c, nil
}

// checkCircuit reports whether a call to addr is currently allowed: true for
// Closed or HalfOpen, false for Open (unless the recovery timeout has
// elapsed, in which case it flips to HalfOpen and allows one probe).
func (f *Forwarder) checkCircuit(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.circuits[addr]
	if !ok {
		c = &nodeCircuit{state: CircuitClosed}
		f.circuits[addr] = c
	}

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if c.lastFailure.IsZero() {
			c.state = CircuitClosed
			return true
		}
		if time.Since(c.lastFailure) >= recoveryTimeout {
			c.state = CircuitHalfOpen
			f.logger.Debug().Str("addr", addr).Msg("circuit breaker transitioning to half-open")
			return true
		}
		return false
	default:
		return true
	}
}

func (f *Forwarder) recordSuccess(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.circuits[addr]
	if !ok {
		return
	}
	if c.state != CircuitClosed {
		f.logger.Debug().Str("addr", addr).Msg("circuit breaker reset to closed")
	}
	c.state = CircuitClosed
	c.failureCount = 0
	c.lastFailure = time.Time{}
}

func (f *Forwarder) recordFailure(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.circuits[addr]
	if !ok {
		c = &nodeCircuit{}
		f.circuits[addr] = c
	}
	c.failureCount++
	c.lastFailure = time.Now()

	if c.failureCount >= failureThreshold {
		if c.state != CircuitOpen {
			f.logger.Warn().Str("addr", addr).Uint32("failures", c.failureCount).
				Msg("circuit breaker opened for node")
		}
		c.state = CircuitOpen
	}
}

// ForwardTask forwards a task to the owning node for synchronous matching,
// with one retry after forwardRetryDelay if the first attempt fails and the
// circuit is still closed/half-open (spec §9).
func (f *Forwarder) ForwardTask(ctx context.Context, addr, taskID, queueName string, partitionID int32) (bool, error) {
	if !f.checkCircuit(addr) {
		return false, verrors.CircuitOpen(addr)
	}

	accepted, err := f.doForwardTask(ctx, addr, taskID, queueName, partitionID)
	if err == nil {
		f.recordSuccess(addr)
		return accepted, nil
	}
	firstErr := err
	f.recordFailure(addr)

	if !f.checkCircuit(addr) {
		return false, firstErr
	}

	select {
	case <-ctx.Done():
		return false, firstErr
	case <-time.After(forwardRetryDelay):
	}

	accepted, err = f.doForwardTask(ctx, addr, taskID, queueName, partitionID)
	if err == nil {
		f.recordSuccess(addr)
		return accepted, nil
	}
	f.recordFailure(addr)
	f.logger.Debug().Str("addr", addr).Str("task_id", taskID).Err(err).
		Msg("forward task retry also failed")
	return false, firstErr
}

func (f *Forwarder) doForwardTask(ctx context.Context, addr, taskID, queueName string, partitionID int32) (bool, error) {
	client, err := f.getClient(addr)
	if err != nil {
		return false, err
	}
	return client.ForwardTask(ctx, taskID, queueName, partitionID)
}

// ForwardEvent relays a dashboard-facing event to a peer node, best effort
// with no retry (spec §9).
func (f *Forwarder) ForwardEvent(ctx context.Context, addr string, event types.TaskEvent) error {
	if !f.checkCircuit(addr) {
		return verrors.CircuitOpen(addr)
	}
	client, err := f.getClient(addr)
	if err != nil {
		f.recordFailure(addr)
		return err
	}
	if err := client.ForwardEvent(ctx, event); err != nil {
		f.recordFailure(addr)
		return err
	}
	f.recordSuccess(addr)
	return nil
}

// RelayLogs streams log entries for taskRunID from the peer that owns the
// worker producing them, best effort with no retry (spec §9).
func (f *Forwarder) RelayLogs(ctx context.Context, addr, taskRunID string) (<-chan types.TaskLog, error) {
	if !f.checkCircuit(addr) {
		return nil, verrors.CircuitOpen(addr)
	}
	client, err := f.getClient(addr)
	if err != nil {
		f.recordFailure(addr)
		return nil, err
	}
	ch, err := client.RelayLogs(ctx, taskRunID)
	if err != nil {
		f.recordFailure(addr)
		return nil, err
	}
	f.recordSuccess(addr)
	return ch, nil
}

// RemoveNode evicts the cached client and circuit state for addr, called
// when the cluster layer observes the node leaving.
func (f *Forwarder) RemoveNode(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[addr]; ok {
		_ = c.Close()
		delete(f.clients, addr)
	}
	delete(f.circuits, addr)
}

// CircuitStateFor returns the current circuit state for addr (for
// diagnostics and tests).
func (f *Forwarder) CircuitStateFor(addr string) CircuitState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.circuits[addr]
	if !ok {
		return CircuitClosed
	}
	return c.state
}

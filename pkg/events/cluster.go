package events

import "sync"

// ClusterEventKind discriminates the membership-change notifications emitted
// by the cluster layer, grounded on
// original_source/crates/valka-cluster/src/events.rs.
type ClusterEventKind int

const (
	NodeJoined ClusterEventKind = iota
	NodeLeft
	PartitionsRebalanced
)

// ClusterEvent is a membership-change notification. GRPCAddr is only
// populated for NodeJoined.
type ClusterEvent struct {
	Kind     ClusterEventKind
	NodeID   string
	GRPCAddr string
}

// ClusterBroker fans ClusterEvents out to subscribers (the event relay and
// any node-local observers), mirroring the tokio broadcast channel the
// original gossip manager uses.
type ClusterBroker struct {
	mu   sync.RWMutex
	subs map[chan ClusterEvent]bool
}

// NewClusterBroker returns an empty broker.
func NewClusterBroker() *ClusterBroker {
	return &ClusterBroker{subs: make(map[chan ClusterEvent]bool)}
}

// Subscribe returns a new buffered subscription.
func (b *ClusterBroker) Subscribe() chan ClusterEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ClusterEvent, 256)
	b.subs[ch] = true
	return ch
}

// Unsubscribe removes and closes ch.
func (b *ClusterBroker) Unsubscribe(ch chan ClusterEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish fans event out to every subscriber, dropping it for subscribers
// whose buffer is full rather than blocking the membership watcher.
func (b *ClusterBroker) Publish(event ClusterEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/types"
)

// PeerForwarder is the subset of the inter-node forwarder the relay loop
// needs: best-effort event delivery to one peer address.
type PeerForwarder interface {
	ForwardEvent(ctx context.Context, addr string, event types.TaskEvent) error
}

// MemberLocator answers the membership questions the relay loop needs
// without importing the cluster package, avoiding an events<->cluster
// import cycle (cluster already imports events for ClusterEvent).
type MemberLocator interface {
	SelfNodeID() string
	Members() []string
	GRPCAddr(nodeID string) (string, bool)
}

// RunEventRelay subscribes to local's TaskEvent broker and relays each
// locally-originated event to every other cluster member, best effort, on
// its own goroutine per peer. An event is "locally originated" if its
// NodeID is empty (synthesized before the node field is stamped) or equal
// to this node's id; anything else is a forwarded event already relayed
// once, and relaying it again would loop forever (spec §6, §9;
// event_relay.rs's relay-loop prevention). RunEventRelay blocks until ctx is
// cancelled.
func RunEventRelay(ctx context.Context, broker *Broker, locator MemberLocator, forwarder PeerForwarder) {
	logger := log.WithComponent("event_relay")
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	selfID := locator.SelfNodeID()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("event relay shutting down")
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if event.NodeID != "" && event.NodeID != selfID {
				continue
			}
			relayToPeers(ctx, logger, locator, forwarder, selfID, event)
		}
	}
}

func relayToPeers(ctx context.Context, logger zerolog.Logger, locator MemberLocator, forwarder PeerForwarder, selfID string, event types.TaskEvent) {
	for _, member := range locator.Members() {
		if member == selfID {
			continue
		}
		addr, ok := locator.GRPCAddr(member)
		if !ok {
			continue
		}
		go func(addr string) {
			if err := forwarder.ForwardEvent(ctx, addr, event); err != nil {
				logger.Debug().Str("peer", addr).Err(err).Msg("failed to relay event to peer")
			}
		}(addr)
	}
}

// Package topology wires cluster membership events (node-left,
// local-detached) into bulk reconciliation against a registry Store
// (spec §4.4). The registry itself has no opinion about what to do with
// the resulting "disappeared"/"lost" sets — that belongs to the external
// presence synthesizer (spec §1) — so this package only hands them to a
// caller-supplied callback.
package topology

import (
	"context"
	"log/slog"

	"github.com/example/nats-chat-occupant-registry/internal/cluster"
	"github.com/example/nats-chat-occupant-registry/internal/occupant"
	"github.com/example/nats-chat-occupant-registry/internal/registry"
)

// Handler drives a Store's topology operations from a cluster.Membership
// feed.
type Handler struct {
	store      *registry.Store
	membership cluster.Membership
	log        *slog.Logger

	// OnNodeLeft is invoked with the set of Occupants removed because
	// node left the cluster. May be nil.
	OnNodeLeft func(node registry.NodeID, removed []*occupant.Occupant)

	// OnLocalDetached is invoked with the set of Occupants considered
	// lost once the local node detached from the cluster. May be nil.
	OnLocalDetached func(lost []*occupant.Occupant)
}

// NewHandler creates a Handler bound to store, fed by membership.
func NewHandler(store *registry.Store, membership cluster.Membership, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, membership: membership, log: logger}
}

// Run consumes membership events until ctx is cancelled or both
// membership channels are closed.
func (h *Handler) Run(ctx context.Context) {
	nodeLeft := h.membership.NodeLeft()
	localDetached := h.membership.LocalDetached()

	for {
		select {
		case <-ctx.Done():
			return
		case node, ok := <-nodeLeft:
			if !ok {
				nodeLeft = nil
				if localDetached == nil {
					return
				}
				continue
			}
			removed := h.store.NodeLeft(node)
			h.log.Info("reconciled departed node", "node", node, "removed", len(removed))
			if h.OnNodeLeft != nil {
				h.OnNodeLeft(node, removed)
			}
		case _, ok := <-localDetached:
			if !ok {
				localDetached = nil
				if nodeLeft == nil {
					return
				}
				continue
			}
			lost := h.store.LocalDetached()
			h.log.Info("reconciled local detach", "lost", len(lost))
			if h.OnLocalDetached != nil {
				h.OnLocalDetached(lost)
			}
		}
	}
}

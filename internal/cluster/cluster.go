// Package cluster defines the membership and dispatch contract the
// registry consumes from the cluster layer (spec §6: "four capabilities:
// local node identifier, synchronous dispatch, asynchronous dispatch,
// membership callbacks"). The NATS-backed implementation lives in
// natscluster.go.
package cluster

import (
	"context"

	"github.com/example/nats-chat-occupant-registry/internal/registry"
)

// Dispatcher broadcasts a task to peers, either waiting for an
// acknowledgement (DispatchSync) or firing and continuing (DispatchAsync);
// see NatsCluster.DispatchSync for what the NATS implementation waits for.
// The registry itself
// never chooses which method to call — the event sink reads
// config.ClusterTaskConfig.Nonblocking() at dispatch time and picks
// accordingly (§4.2 "mode is resolved per event at dispatch time").
type Dispatcher interface {
	LocalNode() registry.NodeID
	DispatchSync(ctx context.Context, subject string, task any) error
	DispatchAsync(subject string, task any) error
}

// Membership surfaces the two topology events the registry's topology
// handler reacts to. Both channels are closed when the underlying
// connection is torn down for good.
type Membership interface {
	NodeLeft() <-chan registry.NodeID
	LocalDetached() <-chan struct{}
}

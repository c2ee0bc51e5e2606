package muc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/nats-chat-occupant-registry/internal/registry"
	"github.com/example/nats-chat-occupant-registry/internal/tasks"
	"github.com/example/nats-chat-occupant-registry/pkg/otelhelper"
)

// Receiver subscribes to one service's task subjects and applies every
// task that did not originate on this node — this node's own tasks were
// already applied directly by EventSink before the broadcast went out
// (§9 "broadcast vs apply order"). Subscribing to the same subject the
// local node publishes on means the local connection would otherwise see
// its own publish; Origin is how that echo is recognized and skipped.
type Receiver struct {
	nc            *nats.Conn
	serviceDomain string
	applier       *tasks.Applier
	local         registry.NodeID
	log           *slog.Logger

	subs []*nats.Subscription
}

// NewReceiver creates a Receiver for serviceDomain backed by applier.
func NewReceiver(nc *nats.Conn, serviceDomain string, applier *tasks.Applier, local registry.NodeID, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{nc: nc, serviceDomain: serviceDomain, applier: applier, local: local, log: logger}
}

// Start subscribes to every task subject for the receiver's service.
// Subscriptions stay live until Stop is called.
func (r *Receiver) Start() error {
	handlers := map[string]nats.MsgHandler{
		"added":        r.handleAdded,
		"updated":      r.handleUpdated,
		"removed":      r.handleRemoved,
		"nick-kicked":  r.handleNickKicked,
		"peersnapshot": r.handlePeerSnapshot,
	}
	for kind, handler := range handlers {
		sub, err := r.nc.Subscribe(subject(r.serviceDomain, kind), handler)
		if err != nil {
			r.Stop()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// Stop unsubscribes from every task subject.
func (r *Receiver) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Receiver) ack(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(nil); err != nil {
		r.log.Warn("failed to ack task", "subject", msg.Subject, "err", err)
	}
}

// startApplySpan picks CONSUMER or SERVER span kind depending on whether msg
// carries a reply subject: a reply subject means the origin dispatched this
// task synchronously via DispatchSync and is waiting on this node's ack, the
// same request/reply shape room-service/presence-service use; no reply
// subject means it arrived via DispatchAsync's plain publish.
func (r *Receiver) startApplySpan(msg *nats.Msg, operation string) trace.Span {
	var span trace.Span
	if msg.Reply != "" {
		_, span = otelhelper.StartServerSpan(context.Background(), msg, operation)
	} else {
		_, span = otelhelper.StartConsumerSpan(context.Background(), msg, operation)
	}
	return span
}

func (r *Receiver) handleAdded(msg *nats.Msg) {
	span := r.startApplySpan(msg, "occupant.applier.added")
	defer span.End()

	var t tasks.AddedTask
	if !r.decode(msg, &t) {
		return
	}
	if t.Origin != r.local {
		r.applier.ApplyAdded(t)
	}
	r.ack(msg)
}

func (r *Receiver) handleUpdated(msg *nats.Msg) {
	span := r.startApplySpan(msg, "occupant.applier.updated")
	defer span.End()

	var t tasks.UpdatedTask
	if !r.decode(msg, &t) {
		return
	}
	if t.Origin != r.local {
		r.applier.ApplyUpdated(t)
	}
	r.ack(msg)
}

func (r *Receiver) handleRemoved(msg *nats.Msg) {
	span := r.startApplySpan(msg, "occupant.applier.removed")
	defer span.End()

	var t tasks.RemovedTask
	if !r.decode(msg, &t) {
		return
	}
	if t.Origin != r.local {
		r.applier.ApplyRemoved(t)
	}
	r.ack(msg)
}

func (r *Receiver) handleNickKicked(msg *nats.Msg) {
	span := r.startApplySpan(msg, "occupant.applier.nick_kicked")
	defer span.End()

	var t tasks.NickKickedTask
	if !r.decode(msg, &t) {
		return
	}
	if t.Origin != r.local {
		r.applier.ApplyNickKicked(t)
	}
	r.ack(msg)
}

func (r *Receiver) handlePeerSnapshot(msg *nats.Msg) {
	span := r.startApplySpan(msg, "occupant.applier.peer_snapshot")
	defer span.End()

	var t tasks.PeerSnapshotTask
	if !r.decode(msg, &t) {
		return
	}
	if t.Origin != r.local {
		r.applier.ApplyPeerSnapshot(t)
	}
	r.ack(msg)
}

func (r *Receiver) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		r.log.Warn("failed to decode task", "subject", msg.Subject, "err", err)
		return false
	}
	return true
}

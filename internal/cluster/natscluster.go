package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-occupant-registry/internal/registry"
	"github.com/example/nats-chat-occupant-registry/pkg/otelhelper"
)

// Dispatch-path instruments, mirroring presence-service's
// otel.Meter("presence-service") counter/histogram block: one counter for
// total broadcasts by mode/subject/outcome, one histogram for synchronous
// dispatch latency (DispatchAsync has no reply to wait on, so only
// DispatchSync's duration is meaningful).
var (
	dispatchMeter = otel.Meter("occupant-registry")

	broadcastTotal, _ = dispatchMeter.Int64Counter("occupant_broadcast_total",
		metric.WithDescription("Total cluster task broadcasts dispatched, by mode and subject"))
	broadcastDuration, _ = dispatchMeter.Float64Histogram("occupant_broadcast_duration_seconds",
		metric.WithDescription("Duration of synchronous cluster task broadcasts"))
)

// NatsCluster implements Dispatcher and Membership over a NATS connection
// plus a JetStream KV bucket used as a node-liveness directory. Node
// liveness mirrors presence-service's PRESENCE_CONN bucket: each node
// periodically refreshes its own key with a short TTL, and a watcher
// derives departures from KeyValueDelete/KeyValuePurge operations the
// bucket's TTL produces once a node stops refreshing.
type NatsCluster struct {
	nc    *nats.Conn
	kv    jetstream.KeyValue
	local registry.NodeID
	log   *slog.Logger

	nodeLeftCh      chan registry.NodeID
	localDetachedCh chan struct{}

	refreshInterval time.Duration
}

// NewNatsCluster creates a NatsCluster with a freshly generated node ID
// (google/uuid, matching the ID scheme poll-service already uses), sets
// the connection's disconnect handler to log and its reconnect handler to
// signal the local-detach channel, as presence-service.main wires them,
// and starts the background refresh + watch loops.
func NewNatsCluster(ctx context.Context, nc *nats.Conn, js jetstream.JetStream, bucket string, ttl time.Duration, logger *slog.Logger) (*NatsCluster, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("open or create cluster node bucket: %w", err)
		}
	}

	c := &NatsCluster{
		nc:              nc,
		kv:              kv,
		local:           registry.NodeID(uuid.NewString()),
		log:             logger,
		nodeLeftCh:      make(chan registry.NodeID, 16),
		localDetachedCh: make(chan struct{}, 1),
		refreshInterval: ttl / 3,
	}

	if _, err := kv.Put(ctx, string(c.local), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return nil, fmt.Errorf("register local node: %w", err)
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		c.log.Warn("nats disconnected", "err", err)
	})
	nc.SetReconnectHandler(func(_ *nats.Conn) {
		c.log.Warn("nats reconnected, treating as local detach for reconciliation")
		select {
		case c.localDetachedCh <- struct{}{}:
		default:
		}
	})
	nc.SetClosedHandler(func(_ *nats.Conn) {
		close(c.nodeLeftCh)
		close(c.localDetachedCh)
	})

	go c.refreshLoop(ctx)
	go c.watchLoop(ctx)

	return c, nil
}

func (c *NatsCluster) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.kv.Put(ctx, string(c.local), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
				c.log.Warn("failed to refresh node liveness key", "err", err)
			}
		}
	}
}

func (c *NatsCluster) watchLoop(ctx context.Context) {
	watcher, err := c.kv.WatchAll(ctx)
	if err != nil {
		c.log.Error("failed to start cluster membership watcher", "err", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if update == nil {
				continue
			}
			if update.Key() == string(c.local) {
				continue
			}
			switch update.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				c.log.Info("peer node left cluster", "node", update.Key())
				c.nodeLeftCh <- registry.NodeID(update.Key())
			}
		}
	}
}

// LocalNode returns this process's generated node identifier.
func (c *NatsCluster) LocalNode() registry.NodeID {
	return c.local
}

// DispatchSync sends a task as one otelhelper-traced NATS request and
// blocks until the first reply arrives or nats.DefaultTimeout elapses; ctx
// carries the trace span but does not bound the wait. It does not wait for
// every peer: any one subscriber's ack completes the call, including this
// node's own Receiver, which acks the echo of its own task. Mirrors
// room-service/presence-service's use of request/reply for synchronous
// calls.
func (c *NatsCluster) DispatchSync(ctx context.Context, subject string, task any) error {
	start := time.Now()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, reqErr := otelhelper.TracedRequest(ctx, c.nc, subject, data)
	broadcastTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", "sync"),
		attribute.String("subject", subject),
		attribute.Bool("error", reqErr != nil),
	))
	broadcastDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("subject", subject)))
	if reqErr != nil {
		return fmt.Errorf("dispatch task synchronously to %s: %w", subject, reqErr)
	}
	return nil
}

// DispatchAsync publishes a task and returns without waiting for any
// peer's applier to run — the fire-and-forget mode selected when
// config.ClusterTaskConfig.Nonblocking() is true.
func (c *NatsCluster) DispatchAsync(subject string, task any) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pubErr := otelhelper.TracedPublish(context.Background(), c.nc, subject, data)
	broadcastTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", "async"),
		attribute.String("subject", subject),
		attribute.Bool("error", pubErr != nil),
	))
	if pubErr != nil {
		return fmt.Errorf("dispatch task asynchronously to %s: %w", subject, pubErr)
	}
	return nil
}

// NodeLeft delivers a NodeID once a peer's liveness key expires from the
// bucket.
func (c *NatsCluster) NodeLeft() <-chan registry.NodeID {
	return c.nodeLeftCh
}

// LocalDetached delivers a signal whenever this process's own NATS
// connection drops and reconnects, treated as a topology detach per
// spec §4.4.
func (c *NatsCluster) LocalDetached() <-chan struct{} {
	return c.localDetachedCh
}

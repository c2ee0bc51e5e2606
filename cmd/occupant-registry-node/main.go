// Command occupant-registry-node runs one node of the cluster-wide
// occupant registry. It connects to NATS, wires the registry, the NATS
// dispatcher/membership watcher, and the task receiver, then drives a
// small synthetic feed of MUC-shaped events so the whole pipeline — join,
// broadcast, peer apply, node-left, disappeared-set — is exercised without
// requiring the MUC service itself, which is out of scope here.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/nats-chat-occupant-registry/internal/cluster"
	"github.com/example/nats-chat-occupant-registry/internal/config"
	"github.com/example/nats-chat-occupant-registry/internal/muc"
	"github.com/example/nats-chat-occupant-registry/internal/occupant"
	"github.com/example/nats-chat-occupant-registry/internal/registry"
	"github.com/example/nats-chat-occupant-registry/internal/tasks"
	"github.com/example/nats-chat-occupant-registry/internal/topology"
	"github.com/example/nats-chat-occupant-registry/pkg/otelhelper"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("failed to initialize OpenTelemetry", "err", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	natsURL := config.EnvOrDefault("NATS_URL", "nats://localhost:4222")
	serviceDomain := config.EnvOrDefault("MUC_SERVICE_DOMAIN", "conference.example.com")

	nc, err := nats.Connect(natsURL,
		nats.Name("occupant-registry-node"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		slog.Error("failed to connect to NATS", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("failed to create jetstream context", "err", err)
		os.Exit(1)
	}

	natsCluster, err := cluster.NewNatsCluster(ctx, nc, js, "CLUSTER_NODES", 30*time.Second, nil)
	if err != nil {
		slog.Error("failed to start cluster membership", "err", err)
		os.Exit(1)
	}

	taskCfgKV, err := js.KeyValue(ctx, "CLUSTER_CONFIG")
	if err != nil {
		taskCfgKV, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "CLUSTER_CONFIG"})
		if err != nil {
			slog.Error("failed to open cluster config bucket", "err", err)
			os.Exit(1)
		}
	}
	taskCfg := config.NewClusterTaskConfig(taskCfgKV, nil)
	if err := taskCfg.Load(ctx); err != nil {
		slog.Warn("failed to load cluster-task-nonblocking from kv, defaulting to synchronous", "err", err)
	}
	go func() {
		if err := taskCfg.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("cluster task config watcher stopped", "err", err)
		}
	}()

	store := registry.New(natsCluster.LocalNode(), nil)
	applier := tasks.NewApplier(store)

	receiver := muc.NewReceiver(nc, serviceDomain, applier, natsCluster.LocalNode(), nil)
	if err := receiver.Start(); err != nil {
		slog.Error("failed to start task receiver", "err", err)
		os.Exit(1)
	}
	defer receiver.Stop()

	sink := muc.NewEventSink(serviceDomain, store, applier, natsCluster, taskCfg, nil)
	sink.BroadcastSnapshot()

	handler := topology.NewHandler(store, natsCluster, nil)
	handler.OnNodeLeft = func(node registry.NodeID, removed []*occupant.Occupant) {
		slog.Info("node left, synthesizing departures for locally-connected observers", "node", node, "count", len(removed))
	}
	handler.OnLocalDetached = func(lost []*occupant.Occupant) {
		slog.Info("local node detached, synthesizing departures", "count", len(lost))
		sink.BroadcastSnapshot()
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go handler.Run(runCtx)

	slog.Info("occupant registry node started", "service", serviceDomain, "node", natsCluster.LocalNode())

	runSyntheticFeed(runCtx, sink, serviceDomain)

	<-runCtx.Done()
	slog.Info("occupant registry node shutting down")
}

// runSyntheticFeed exercises join -> rename -> leave against sink so the
// registry has something to do even with no real MUC service attached.
func runSyntheticFeed(ctx context.Context, sink *muc.EventSink, serviceDomain string) {
	room := muc.RoomAddress{Domain: serviceDomain, Name: "lobby"}
	alice := occupant.Address("alice@example.com")

	sink.OccupantJoined(room, "alice", alice)
	sink.NicknameChanged(room, "alice", "alice2", alice)

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(time.Minute):
			sink.OccupantLeft(room, "alice2", alice)
		}
	}()
}

// Package config holds the registry's environment-driven static settings
// plus the one piece of genuinely dynamic, cluster-wide configuration:
// cluster-task-nonblocking.
package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"
)

// EnvOrDefault returns the value of the named environment variable, or def
// if it is unset or empty.
func EnvOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// EnvBoolOrDefault parses the named environment variable as a bool, or
// returns def if unset or unparseable.
func EnvBoolOrDefault(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

const clusterTaskNonblockingKey = "cluster-task-nonblocking"

// ClusterTaskConfig tracks the dynamic cluster-task-nonblocking flag
// (§6: "boolean, dynamic, default false"). The value is mirrored into a
// JetStream KV bucket so every node observes the same setting without a
// restart, and cached locally in an atomic.Bool so the broadcast hot path
// never does a KV round-trip — the same split auth-service/leader.go uses
// between its local isLeader cache and the backing KV entry.
type ClusterTaskConfig struct {
	nonblocking atomic.Bool
	kv          jetstream.KeyValue
	log         *slog.Logger
}

// NewClusterTaskConfig creates a config reading/writing bucket for the
// cluster-task-nonblocking key, defaulting to false until the first watch
// update (or an existing KV entry) says otherwise.
func NewClusterTaskConfig(kv jetstream.KeyValue, logger *slog.Logger) *ClusterTaskConfig {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterTaskConfig{kv: kv, log: logger}
}

// Nonblocking reports the current broadcast mode: true means fire-and-
// forget, false means synchronous. Reads only the local cache.
func (c *ClusterTaskConfig) Nonblocking() bool {
	return c.nonblocking.Load()
}

// Load fetches the current value from the KV bucket once, used at
// startup before the watch loop is running.
func (c *ClusterTaskConfig) Load(ctx context.Context) error {
	entry, err := c.kv.Get(ctx, clusterTaskNonblockingKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.applyRaw(entry.Value())
	return nil
}

// Watch runs until ctx is cancelled, applying every update to the
// cluster-task-nonblocking key as it arrives. Mirrors the watch-loop shape
// of presence-service's startKVWatcher.
func (c *ClusterTaskConfig) Watch(ctx context.Context) error {
	watcher, err := c.kv.Watch(ctx, clusterTaskNonblockingKey)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if update == nil {
				continue
			}
			switch update.Operation() {
			case jetstream.KeyValuePut:
				c.applyRaw(update.Value())
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				c.nonblocking.Store(false)
			}
		}
	}
}

// Set writes a new value to the KV bucket; the local cache updates once
// the watch loop observes the resulting Put.
func (c *ClusterTaskConfig) Set(ctx context.Context, nonblocking bool) error {
	val := "false"
	if nonblocking {
		val = "true"
	}
	_, err := c.kv.Put(ctx, clusterTaskNonblockingKey, []byte(val))
	return err
}

func (c *ClusterTaskConfig) applyRaw(raw []byte) {
	b, err := strconv.ParseBool(string(raw))
	if err != nil {
		c.log.Warn("invalid cluster-task-nonblocking value, ignoring", "raw", string(raw))
		return
	}
	c.nonblocking.Store(b)
}

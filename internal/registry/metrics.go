package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-occupant-registry/internal/occupant"
)

// Package-level meter and instruments, mirroring presence-service's
// otel.Meter("presence-service") + Int64Counter/Float64Histogram block in
// main(). Store has no single construction site the way presence-service's
// main() is one — New is called from every service's wiring code and
// from tests — so the instruments live at package scope instead of being
// threaded through New, the same way pkg/otelhelper's tracer is a package
// var rather than a constructor argument. otel.Meter delegates to whatever
// MeterProvider is registered by the time an instrument actually records,
// so this is safe to evaluate before otelhelper.Init runs in main.
var (
	meter = otel.Meter("occupant-registry")

	replaceTotal, _ = meter.Int64Counter("occupant_replace_total",
		metric.WithDescription("Total Store.Replace/ReplaceOnEveryNode/ReplaceBatchOnEveryNode operations, by kind"))
	replaceDuration, _ = meter.Float64Histogram("occupant_replace_duration_seconds",
		metric.WithDescription("Duration of a Store replace critical section, by kind"))
	nodeLeftTotal, _ = meter.Int64Counter("occupant_node_left_total",
		metric.WithDescription("Total NodeLeft topology events processed"))
	nodeLeftOccupantsTotal, _ = meter.Int64Counter("occupant_node_left_occupants_total",
		metric.WithDescription("Total occupants removed by NodeLeft across all events"))
	localDetachedTotal, _ = meter.Int64Counter("occupant_local_detached_total",
		metric.WithDescription("Total LocalDetached topology events processed"))
	localDetachedLostTotal, _ = meter.Int64Counter("occupant_local_detached_lost_total",
		metric.WithDescription("Total occupants reported lost by LocalDetached across all events"))
)

// replaceOpKind labels a replace operation for the occupant_replace_total/
// occupant_replace_duration_seconds attribute set: "insert", "update",
// "delete" by whichever of old/new is nil, matching the three cases
// Store.replaceLocked itself distinguishes.
func replaceOpKind(old, new *occupant.Occupant) string {
	switch {
	case old == nil:
		return "insert"
	case new == nil:
		return "delete"
	default:
		return "update"
	}
}

func recordReplace(op string, start time.Time) {
	ctx := context.Background()
	replaceTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	replaceDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

func recordNodeLeft(n NodeID, removed int) {
	ctx := context.Background()
	nodeLeftTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node", string(n))))
	nodeLeftOccupantsTotal.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("node", string(n))))
}

func recordLocalDetached(lost int) {
	ctx := context.Background()
	localDetachedTotal.Add(ctx, 1)
	localDetachedLostTotal.Add(ctx, int64(lost))
}

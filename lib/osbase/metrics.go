package osbase

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the instruments for image lifecycle operations. They are
// registered against the global meter provider, which is a no-op unless the
// embedding process installs one.
type metrics struct {
	opDuration        metric.Float64Histogram
	derivedCacheHits  metric.Int64Counter
	derivedCacheInits metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/onkernel/buildspawn/lib/osbase")

	opDuration, err := meter.Float64Histogram(
		"buildspawn_osbase_operation_duration_seconds",
		metric.WithDescription("Duration of image lifecycle operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		opDuration = nil
	}

	derivedCacheHits, err := meter.Int64Counter(
		"buildspawn_osbase_derived_cache_hits_total",
		metric.WithDescription("Runs served from an existing derived cache image"),
	)
	if err != nil {
		derivedCacheHits = nil
	}

	derivedCacheInits, err := meter.Int64Counter(
		"buildspawn_osbase_derived_cache_inits_total",
		metric.WithDescription("Derived cache images created lazily"),
	)
	if err != nil {
		derivedCacheInits = nil
	}

	return &metrics{
		opDuration:        opDuration,
		derivedCacheHits:  derivedCacheHits,
		derivedCacheInits: derivedCacheInits,
	}
}

// recordOp records one lifecycle operation's duration and outcome.
func (m *metrics) recordOp(ctx context.Context, op string, start time.Time, err error) {
	if m == nil || m.opDuration == nil {
		return
	}
	m.opDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.Bool("success", err == nil),
		))
}

func (m *metrics) addDerivedCacheHit(ctx context.Context) {
	if m != nil && m.derivedCacheHits != nil {
		m.derivedCacheHits.Add(ctx, 1)
	}
}

func (m *metrics) addDerivedCacheInit(ctx context.Context) {
	if m != nil && m.derivedCacheInits != nil {
		m.derivedCacheInits.Add(ctx, 1)
	}
}

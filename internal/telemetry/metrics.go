package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/identity-index"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Index write metrics
	IndexWritesTotal       metric.Int64Counter
	IndexWriteErrorsTotal  metric.Int64Counter
	IndexWriteDuration     metric.Float64Histogram
	BootstrapAttemptsTotal metric.Int64Counter
	IndexReady             metric.Int64Gauge

	// Search metrics
	SearchRequestsTotal  metric.Int64Counter
	SearchFallbacksTotal metric.Int64Counter
	SearchDuration       metric.Float64Histogram

	// Lifecycle metrics
	LifecycleEventsTotal  metric.Int64Counter
	LifecycleSkippedTotal metric.Int64Counter

	// Rate limiting
	RateLimitRejectedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// RecordIndexWrite records the outcome and latency of a single index write.
func (m *Metrics) RecordIndexWrite(ctx context.Context, op string, durationMs float64, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.IndexWritesTotal.Add(ctx, 1, attrs)
	m.IndexWriteDuration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.IndexWriteErrorsTotal.Add(ctx, 1, attrs)
	}
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Index write metrics
	m.IndexWritesTotal, _ = meter.Int64Counter(
		"identity_index.index.writes.total",
		metric.WithDescription("Total number of index write attempts"),
		metric.WithUnit("{write}"),
	)

	m.IndexWriteErrorsTotal, _ = meter.Int64Counter(
		"identity_index.index.writes.errors.total",
		metric.WithDescription("Total number of failed index writes"),
		metric.WithUnit("{error}"),
	)

	m.IndexWriteDuration, _ = meter.Float64Histogram(
		"identity_index.index.writes.duration",
		metric.WithDescription("Duration of index write operations"),
		metric.WithUnit("ms"),
	)

	m.BootstrapAttemptsTotal, _ = meter.Int64Counter(
		"identity_index.index.bootstrap.attempts.total",
		metric.WithDescription("Total number of index bootstrap attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.IndexReady, _ = meter.Int64Gauge(
		"identity_index.index.ready",
		metric.WithDescription("1 when the search index is ready, 0 when degraded"),
	)

	// Search metrics
	m.SearchRequestsTotal, _ = meter.Int64Counter(
		"identity_index.search.requests.total",
		metric.WithDescription("Total number of search requests"),
		metric.WithUnit("{request}"),
	)

	m.SearchFallbacksTotal, _ = meter.Int64Counter(
		"identity_index.search.fallbacks.total",
		metric.WithDescription("Total number of searches served by the system of record"),
		metric.WithUnit("{request}"),
	)

	m.SearchDuration, _ = meter.Float64Histogram(
		"identity_index.search.duration",
		metric.WithDescription("Duration of search requests"),
		metric.WithUnit("ms"),
	)

	// Lifecycle metrics
	m.LifecycleEventsTotal, _ = meter.Int64Counter(
		"identity_index.lifecycle.events.total",
		metric.WithDescription("Total number of identity lifecycle events received"),
		metric.WithUnit("{event}"),
	)

	m.LifecycleSkippedTotal, _ = meter.Int64Counter(
		"identity_index.lifecycle.skipped.total",
		metric.WithDescription("Total number of lifecycle events skipped because no identity could be resolved"),
		metric.WithUnit("{event}"),
	)

	m.RateLimitRejectedTotal, _ = meter.Int64Counter(
		"identity_index.ratelimit.rejected.total",
		metric.WithDescription("Total number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)

	return m
}

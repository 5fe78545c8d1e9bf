// Package observe provides application-wide observability primitives for
// Scout: OpenTelemetry metrics with a Prometheus exporter bridge and the
// local /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Scout metrics.
const meterName = "github.com/arach/scout"

// Metrics holds all OpenTelemetry metric instruments for the transcription
// core. All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkInferenceDuration tracks per-chunk model inference latency.
	ChunkInferenceDuration metric.Float64Histogram

	// ModelLoadDuration tracks model construction latency (the first-use
	// cost the cache exists to amortise).
	ModelLoadDuration metric.Float64Histogram

	// FirstResultLatency tracks time from session start to the first
	// partial transcript.
	FirstResultLatency metric.Float64Histogram

	// SessionDuration tracks total session wall time (start → Done/Failed).
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksProcessed counts inference calls by outcome. Use with attribute:
	//   attribute.String("status", "success" | "failed")
	ChunksProcessed metric.Int64Counter

	// ChunkRetries counts per-chunk inference retries.
	ChunkRetries metric.Int64Counter

	// RetentionPressure counts ring-buffer catch-up events.
	RetentionPressure metric.Int64Counter

	// WebhookDeliveries counts webhook delivery outcomes. Use with attribute:
	//   attribute.String("status", "ok" | "failed")
	WebhookDeliveries metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live recording sessions (0 or 1 by design).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// chunk inference and session latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkInferenceDuration, err = m.Float64Histogram("scout.chunk.inference.duration",
		metric.WithDescription("Latency of per-chunk model inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("scout.model.load.duration",
		metric.WithDescription("Latency of speech model construction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstResultLatency, err = m.Float64Histogram("scout.session.first_result.latency",
		metric.WithDescription("Time from session start to the first partial transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("scout.session.duration",
		metric.WithDescription("Total session wall time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChunksProcessed, err = m.Int64Counter("scout.chunks.processed",
		metric.WithDescription("Chunk outcomes by status."),
	); err != nil {
		return nil, err
	}
	if met.ChunkRetries, err = m.Int64Counter("scout.chunks.retries",
		metric.WithDescription("Per-chunk inference retries."),
	); err != nil {
		return nil, err
	}
	if met.RetentionPressure, err = m.Int64Counter("scout.ring.retention_pressure",
		metric.WithDescription("Ring-buffer catch-up events."),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeliveries, err = m.Int64Counter("scout.webhook.deliveries",
		metric.WithDescription("Webhook delivery outcomes by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("scout.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordChunk records one chunk outcome.
func (m *Metrics) RecordChunk(ctx context.Context, status string, seconds float64) {
	m.ChunksProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if seconds > 0 {
		m.ChunkInferenceDuration.Record(ctx, seconds)
	}
}

// RecordWebhook records one webhook delivery outcome.
func (m *Metrics) RecordWebhook(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.WebhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

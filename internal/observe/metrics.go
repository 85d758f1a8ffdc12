// Package observe provides application-wide observability primitives for
// EchoGraph: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all EchoGraph metrics.
const meterName = "github.com/duiywegkl/EchoGraph"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractionDuration tracks end-to-end knowledge extraction latency,
	// from target selection to delta application.
	ExtractionDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// BootstrapDuration tracks character-card bootstrap latency.
	BootstrapDuration metric.Float64Histogram

	// SyncDuration tracks conflict-resolution sync latency.
	SyncDuration metric.Float64Histogram

	// --- Counters ---

	// Extractions counts extraction runs. Use with attributes:
	//   attribute.String("method", ...), attribute.String("status", ...)
	Extractions metric.Int64Counter

	// LLMRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// GraphUpdates counts applied delta operations. Use with attribute:
	//   attribute.String("kind", ...) — "node", "edge", or "delete"
	GraphUpdates metric.Int64Counter

	// ConflictsResolved counts sync conflicts resolved in favour of the
	// authoritative history.
	ConflictsResolved metric.Int64Counter

	// --- Error counters ---

	// LLMErrors counts provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	LLMErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live session engines.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSockets tracks the number of bound plugin sockets.
	ActiveSockets metric.Int64UpDownCounter

	// ExtractionsInFlight tracks extraction runs currently executing.
	ExtractionsInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM-backed
// stages routinely take seconds, so the upper buckets stretch to a minute.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractionDuration, err = m.Float64Histogram("echograph.extraction.duration",
		metric.WithDescription("Latency of knowledge extraction runs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("echograph.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BootstrapDuration, err = m.Float64Histogram("echograph.bootstrap.duration",
		metric.WithDescription("Latency of character-card bootstraps."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SyncDuration, err = m.Float64Histogram("echograph.sync.duration",
		metric.WithDescription("Latency of conversation sync reconciliation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Extractions, err = m.Int64Counter("echograph.extractions",
		metric.WithDescription("Total extraction runs by method and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMRequests, err = m.Int64Counter("echograph.llm.requests",
		metric.WithDescription("Total LLM API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.GraphUpdates, err = m.Int64Counter("echograph.graph.updates",
		metric.WithDescription("Total applied graph delta operations by kind."),
	); err != nil {
		return nil, err
	}
	if met.ConflictsResolved, err = m.Int64Counter("echograph.sync.conflicts_resolved",
		metric.WithDescription("Total sync conflicts resolved from authoritative history."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.LLMErrors, err = m.Int64Counter("echograph.llm.errors",
		metric.WithDescription("Total LLM provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echograph.active_sessions",
		metric.WithDescription("Number of live session engines."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSockets, err = m.Int64UpDownCounter("echograph.active_sockets",
		metric.WithDescription("Number of bound plugin sockets."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionsInFlight, err = m.Int64UpDownCounter("echograph.extractions_in_flight",
		metric.WithDescription("Extraction runs currently executing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echograph.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordExtraction is a convenience method that records an extraction run
// with the standard attribute set.
func (m *Metrics) RecordExtraction(ctx context.Context, method, status string) {
	m.Extractions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", status),
		),
	)
}

// RecordLLMRequest is a convenience method that records an LLM request
// counter increment with the standard attribute set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, provider, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordGraphUpdates is a convenience method that records applied delta
// operations by kind.
func (m *Metrics) RecordGraphUpdates(ctx context.Context, kind string, n int64) {
	if n <= 0 {
		return
	}
	m.GraphUpdates.Add(ctx, n,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordLLMError is a convenience method that records an LLM provider error
// counter increment.
func (m *Metrics) RecordLLMError(ctx context.Context, provider string) {
	m.LLMErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

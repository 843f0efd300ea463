// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint ([MetricsHandler]). A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Transcript reconciliation ---

	// ResultBatches counts result batches received from the recognition source.
	ResultBatches metric.Int64Counter

	// Records counts normalized records. Use with attribute:
	//   attribute.String("kind", "final"|"interim")
	Records metric.Int64Counter

	// SkippedRecords counts results ignored because they were already committed.
	SkippedRecords metric.Int64Counter

	// Chunks counts chunks appended to the transcript. Use with attribute:
	//   attribute.String("reason", "final"|"sealed")
	Chunks metric.Int64Counter

	// Duplicates counts finals suppressed as near-duplicates. Use with attribute:
	//   attribute.String("mode", ...)
	Duplicates metric.Int64Counter

	// EmptyFinals counts finals dropped because they contained no words.
	EmptyFinals metric.Int64Counter

	// --- Session continuity ---

	// SessionEvents counts recognition session lifecycle events. Use with attribute:
	//   attribute.String("event", "start"|"end"|"unexpected_end")
	SessionEvents metric.Int64Counter

	// Restarts counts automatic restarts. Use with attribute:
	//   attribute.String("outcome", "scheduled"|"started"|"failed"|"exhausted")
	Restarts metric.Int64Counter

	// RestartDelay tracks the debounce delay applied before each restart.
	RestartDelay metric.Float64Histogram

	// SourceErrors counts recognition errors. Use with attribute:
	//   attribute.String("code", ...)
	SourceErrors metric.Int64Counter

	// ActiveSessions tracks the number of listening controllers.
	ActiveSessions metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts stream start attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// StartDuration tracks how long opening a recognition stream takes.
	StartDuration metric.Float64Histogram

	// --- Display and sinks ---

	// DisplayClients tracks connected websocket display clients.
	DisplayClients metric.Int64UpDownCounter

	// Published counts chunk events handed to downstream sinks. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	Published metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// matched route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for stream
// starts and restart delays.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ResultBatches, "livescribe.recognition.batches", "Result batches received from the recognition source."},
		{&met.Records, "livescribe.transcript.records", "Normalized recognition records by kind."},
		{&met.SkippedRecords, "livescribe.transcript.skipped", "Results skipped because they were already committed."},
		{&met.Chunks, "livescribe.transcript.chunks", "Chunks appended to the transcript by reason."},
		{&met.Duplicates, "livescribe.transcript.duplicates", "Final results suppressed as near-duplicates by mode."},
		{&met.EmptyFinals, "livescribe.transcript.empty_finals", "Final results dropped because they contained no words."},
		{&met.SessionEvents, "livescribe.recognition.sessions", "Recognition session lifecycle events."},
		{&met.Restarts, "livescribe.recognition.restarts", "Automatic recognition restarts by outcome."},
		{&met.SourceErrors, "livescribe.recognition.errors", "Recognition errors by code."},
		{&met.ProviderRequests, "livescribe.provider.requests", "Stream start attempts by provider and status."},
		{&met.Published, "livescribe.sink.published", "Chunk events handed to downstream sinks by sink and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.RestartDelay, err = m.Float64Histogram("livescribe.recognition.restart.delay",
		metric.WithDescription("Debounce delay applied before an automatic restart."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("livescribe.provider.start.duration",
		metric.WithDescription("Latency of opening a recognition stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of controllers currently listening."),
	); err != nil {
		return nil, err
	}
	if met.DisplayClients, err = m.Int64UpDownCounter("livescribe.display.clients",
		metric.WithDescription("Number of connected websocket display clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordBatch records one applied result batch.
func (m *Metrics) RecordBatch(ctx context.Context, finals, interims, skipped int) {
	m.ResultBatches.Add(ctx, 1)
	if finals > 0 {
		m.Records.Add(ctx, int64(finals), metric.WithAttributes(Attr("kind", "final")))
	}
	if interims > 0 {
		m.Records.Add(ctx, int64(interims), metric.WithAttributes(Attr("kind", "interim")))
	}
	if skipped > 0 {
		m.SkippedRecords.Add(ctx, int64(skipped))
	}
}

// RecordChunks records n appended chunks.
func (m *Metrics) RecordChunks(ctx context.Context, n int, reason string) {
	if n <= 0 {
		return
	}
	m.Chunks.Add(ctx, int64(n), metric.WithAttributes(Attr("reason", reason)))
}

// RecordDuplicates records n suppressed finals.
func (m *Metrics) RecordDuplicates(ctx context.Context, n int, mode string) {
	if n <= 0 {
		return
	}
	m.Duplicates.Add(ctx, int64(n), metric.WithAttributes(Attr("mode", mode)))
}

// RecordEmptyFinals records n dropped empty finals.
func (m *Metrics) RecordEmptyFinals(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.EmptyFinals.Add(ctx, int64(n))
}

// RecordSessionEvent records a recognition session lifecycle event.
func (m *Metrics) RecordSessionEvent(ctx context.Context, event string) {
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(Attr("event", event)))
}

// RecordRestart records an automatic restart outcome. delay is recorded for
// scheduled restarts only.
func (m *Metrics) RecordRestart(ctx context.Context, outcome string, delay time.Duration) {
	m.Restarts.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	if outcome == "scheduled" {
		m.RestartDelay.Record(ctx, delay.Seconds())
	}
}

// RecordSourceError records a recognition error.
func (m *Metrics) RecordSourceError(ctx context.Context, code string) {
	m.SourceErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordProviderRequest records a stream start attempt against provider.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("provider", provider), Attr("status", status))
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.StartDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("provider", provider)))
}

// RecordPublish records a chunk event handed to a downstream sink.
func (m *Metrics) RecordPublish(ctx context.Context, sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Published.Add(ctx, 1, metric.WithAttributes(Attr("sink", sink), Attr("status", status)))
}

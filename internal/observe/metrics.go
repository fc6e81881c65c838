// Package observe provides application-wide observability primitives for
// Spark: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Spark metrics.
const meterName = "github.com/MrWong99/spark"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use; the OTel types handle their own
// synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RecognitionDuration tracks the time from recognizer start to end.
	RecognitionDuration metric.Float64Histogram

	// ExtensionCommandDuration tracks extension command latency. Use with
	// attributes: attribute.String("type", ...), attribute.String("status", ...)
	ExtensionCommandDuration metric.Float64Histogram

	// --- Counters ---

	// SamplesEnqueued counts PCM samples handed to the playback buffer.
	SamplesEnqueued metric.Int64Counter

	// PlaybackUnderruns counts output frames that had to be padded with
	// silence.
	PlaybackUnderruns metric.Int64Counter

	// TransportMessages counts inbound transport messages. Use with attribute:
	//   attribute.String("kind", ...)
	TransportMessages metric.Int64Counter

	// SendsDropped counts outbound messages dropped because the connection
	// was not open. Use with attribute: attribute.String("kind", ...)
	SendsDropped metric.Int64Counter

	// StateTransitions counts assistant state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Recognitions counts finished recognition streams. Use with attribute:
	//   attribute.String("outcome", ...)
	Recognitions metric.Int64Counter

	// ExtensionCommands counts extension commands. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	ExtensionCommands metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live assistant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveExtensions tracks the number of displayed extensions.
	ActiveExtensions metric.Int64UpDownCounter

	// PlaybackQueued is the number of samples waiting in the playback buffer.
	PlaybackQueued metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks local API latency by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recognition and extension latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RecognitionDuration, err = m.Float64Histogram("spark.recognition.duration",
		metric.WithDescription("Duration of speech recognition streams."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtensionCommandDuration, err = m.Float64Histogram("spark.extension.command.duration",
		metric.WithDescription("Latency of extension commands."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SamplesEnqueued, err = m.Int64Counter("spark.playback.samples",
		metric.WithDescription("Total PCM samples enqueued for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("spark.playback.underruns",
		metric.WithDescription("Total output frames padded with silence."),
	); err != nil {
		return nil, err
	}
	if met.TransportMessages, err = m.Int64Counter("spark.transport.messages",
		metric.WithDescription("Total inbound transport messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.SendsDropped, err = m.Int64Counter("spark.transport.dropped",
		metric.WithDescription("Total outbound messages dropped while disconnected."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("spark.assistant.transitions",
		metric.WithDescription("Total assistant state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Recognitions, err = m.Int64Counter("spark.recognitions",
		metric.WithDescription("Total recognition streams by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ExtensionCommands, err = m.Int64Counter("spark.extension.commands",
		metric.WithDescription("Total extension commands by type and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("spark.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("spark.active_sessions",
		metric.WithDescription("Number of live assistant sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveExtensions, err = m.Int64UpDownCounter("spark.active_extensions",
		metric.WithDescription("Number of displayed extensions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueued, err = m.Int64Gauge("spark.playback.queued",
		metric.WithDescription("Samples waiting in the playback buffer."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("spark.http.request.duration",
		metric.WithDescription("Local API request latency by method, route and status."),
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

// RecordTransportMessage counts one inbound message of the given kind.
func (m *Metrics) RecordTransportMessage(ctx context.Context, kind string) {
	m.TransportMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSendDropped counts one outbound message that was dropped.
func (m *Metrics) RecordSendDropped(ctx context.Context, kind string) {
	m.SendsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordStateTransition counts one assistant state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordRecognition records a finished recognition stream and its duration.
func (m *Metrics) RecordRecognition(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Recognitions.Add(ctx, 1, attrs)
	m.RecognitionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordExtensionCommand records one extension command with its latency.
func (m *Metrics) RecordExtensionCommand(ctx context.Context, typ, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("status", status),
	)
	m.ExtensionCommands.Add(ctx, 1, attrs)
	m.ExtensionCommandDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

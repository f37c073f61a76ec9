// Package observe provides the observability primitives shared by amdstream:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping on /metrics through the Prometheus exporter installed by
// [InitProvider]. [DefaultMetrics] returns a package-level instance bound to
// the global provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all amdstream metrics.
const meterName = "github.com/MrWong99/amdstream"

// Metrics holds the OpenTelemetry instruments for the detection pipeline.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency ---

	// ClassificationDuration tracks strategy latency per window. Attributes:
	//   strategy, outcome (human|machine|undecided|timeout|error)
	ClassificationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// WindowsEmitted counts analysis windows handed to the dispatcher.
	WindowsEmitted metric.Int64Counter

	// WindowsCoalesced counts windows merged into a queued window because the
	// session backlog was full.
	WindowsCoalesced metric.Int64Counter

	// Verdicts counts verdicts applied by the decision engine. Attributes:
	//   strategy, label, status
	Verdicts metric.Int64Counter

	// MalformedFrames counts rejected inbound messages. Attribute: reason
	MalformedFrames metric.Int64Counter

	// SessionsRejected counts media-stream connections refused before
	// streaming. Attribute: reason
	SessionsRejected metric.Int64Counter

	// SinkWrites counts result sink writes. Attribute: status (ok|error)
	SinkWrites metric.Int64Counter

	// CircuitTransitions counts circuit-breaker state changes. Attributes:
	//   breaker, to
	CircuitTransitions metric.Int64Counter

	// Callbacks counts native AMD and status webhooks. Attributes:
	//   source, label
	Callbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live media-stream sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds sized for remote
// audio classification.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClassificationDuration, err = m.Float64Histogram("amdstream.classification.duration",
		metric.WithDescription("Latency of one window classification by strategy and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("amdstream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.WindowsEmitted, err = m.Int64Counter("amdstream.windows.emitted",
		metric.WithDescription("Analysis windows emitted by the accumulator."),
	); err != nil {
		return nil, err
	}
	if met.WindowsCoalesced, err = m.Int64Counter("amdstream.windows.coalesced",
		metric.WithDescription("Windows merged into the backlog because it was full."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("amdstream.verdicts",
		metric.WithDescription("Verdicts applied by strategy, label and status."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("amdstream.frames.malformed",
		metric.WithDescription("Inbound messages rejected by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("amdstream.sessions.rejected",
		metric.WithDescription("Media-stream connections refused by reason."),
	); err != nil {
		return nil, err
	}
	if met.SinkWrites, err = m.Int64Counter("amdstream.sink.writes",
		metric.WithDescription("Result sink writes by status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("amdstream.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.Callbacks, err = m.Int64Counter("amdstream.callbacks",
		metric.WithDescription("Native AMD and status webhooks by source and label."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("amdstream.active_sessions",
		metric.WithDescription("Number of live media-stream sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordClassification records one classification attempt.
func (m *Metrics) RecordClassification(ctx context.Context, strategy, outcome string, d time.Duration) {
	m.ClassificationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordVerdict counts an applied verdict.
func (m *Metrics) RecordVerdict(ctx context.Context, strategy, label, status string) {
	m.Verdicts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("label", label),
			attribute.String("status", status),
		),
	)
}

// RecordMalformed counts a rejected inbound message.
func (m *Metrics) RecordMalformed(ctx context.Context, reason string) {
	m.MalformedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRejected counts a refused media-stream connection.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSinkWrite counts a sink write; err decides the status attribute.
func (m *Metrics) RecordSinkWrite(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SinkWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCircuitTransition counts a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, breaker, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}

// RecordCallback counts a native AMD or status webhook.
func (m *Metrics) RecordCallback(ctx context.Context, source, label string) {
	m.Callbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("label", label),
		),
	)
}

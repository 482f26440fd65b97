// Package observe provides the service's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, request-id
// propagation, and the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxmill metrics.
const meterName = "github.com/voxmill/voxmill"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JobDuration tracks wall-clock time from dequeue to terminal state. Use
	// with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	JobDuration metric.Float64Histogram

	// SynthesisDuration tracks a single engine inference call. Use with
	// attributes:
	//   attribute.String("engine", ...), attribute.String("device", ...)
	SynthesisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// JobsCompleted counts terminal jobs. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...),
	//   attribute.String("error_kind", ...)
	JobsCompleted metric.Int64Counter

	// SynthesisRetries counts retried inference attempts. Use with attribute:
	//   attribute.String("error_kind", ...)
	SynthesisRetries metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of jobs waiting in the broker.
	QueueDepth metric.Int64UpDownCounter

	// ActiveJobs tracks the number of jobs currently held by worker slots.
	ActiveJobs metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries in seconds. Synthesis
// calls run from sub-second (short text on GPU) to minutes (long text on CPU).
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("voxmill.job.duration",
		metric.WithDescription("Job wall-clock time from dequeue to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("voxmill.synthesis.duration",
		metric.WithDescription("Latency of a single engine inference call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxmill.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.JobsCompleted, err = m.Int64Counter("voxmill.jobs.completed",
		metric.WithDescription("Terminal jobs by kind, status, and error kind."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisRetries, err = m.Int64Counter("voxmill.synthesis.retries",
		metric.WithDescription("Retried inference attempts by error kind."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("voxmill.queue.depth",
		metric.WithDescription("Jobs waiting in the broker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("voxmill.jobs.active",
		metric.WithDescription("Jobs currently held by worker slots."),
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

// RecordJobDone records one terminal job: the duration histogram and the
// completion counter in a single call.
func (m *Metrics) RecordJobDone(ctx context.Context, kind, status, errorKind string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
		attribute.String("error_kind", errorKind),
	)
	m.JobDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	m.JobsCompleted.Add(ctx, 1, attrs)
}

// RecordSynthesis records one engine inference call.
func (m *Metrics) RecordSynthesis(ctx context.Context, engine, device string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("device", device),
	))
}

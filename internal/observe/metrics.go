// Package observe holds Fidel's telemetry: OpenTelemetry metric instruments,
// session tracing, and the HTTP middleware for the observability server.
//
// [Setup] installs the SDK providers and bridges metrics to a Prometheus
// registry served by [Telemetry.Handler]. Tests build instruments with
// [NewMetrics] on a ManualReader-backed provider instead of the global one.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Fidel metrics.
const meterName = "github.com/fidelai/fidel"

// Metrics holds the application's metric instruments. The instruments are
// safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a transport session takes, up to
	// the server's setup acknowledgement.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of tutoring sessions. Use with
	// attribute.String("reason", ...).
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider connection attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Tokens counts metered tokens. Use with attribute.String("direction", "input"|"output").
	Tokens metric.Int64Counter

	// Charged accumulates the amount debited from wallets, in ETB.
	Charged metric.Float64Counter

	// CaptureFrames counts microphone frames. Use with
	// attribute.String("status", "sent"|"dropped").
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound speech chunks. Use with
	// attribute.String("status", "scheduled"|"rejected").
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in events that flushed queued speech.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// tutoring sessions.
var sessionBuckets = []float64{
	5, 30, 60, 120, 300, 600, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("fidel.transport.connect.duration",
		metric.WithDescription("Latency of opening a speech-to-speech session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("fidel.session.duration",
		metric.WithDescription("Lifetime of tutoring sessions by end reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("fidel.provider.requests",
		metric.WithDescription("Total provider connection attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("fidel.tokens",
		metric.WithDescription("Metered tokens by direction."),
	); err != nil {
		return nil, err
	}
	if met.Charged, err = m.Float64Counter("fidel.wallet.charged",
		metric.WithDescription("Amount debited from wallets."),
		metric.WithUnit("ETB"),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("fidel.capture.frames",
		metric.WithDescription("Captured microphone frames by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("fidel.playback.chunks",
		metric.WithDescription("Inbound speech chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("fidel.playback.interruptions",
		metric.WithDescription("Barge-in events that flushed queued speech."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("fidel.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("fidel.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fidel.http.request.duration",
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

// RecordProviderRequest records a connection attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTokens adds n metered tokens for direction ("input" or "output").
func (m *Metrics) RecordTokens(ctx context.Context, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.Tokens.Add(ctx, n, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordCharge adds amount to the debited total.
func (m *Metrics) RecordCharge(ctx context.Context, amount float64) {
	if amount <= 0 {
		return
	}
	m.Charged.Add(ctx, amount)
}

// RecordCaptureFrame counts one microphone frame with the given status.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, status string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackChunk counts one inbound speech chunk with the given status.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordInterruption counts one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// RecordSessionEnd records the lifetime of a finished session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

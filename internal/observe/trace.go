package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fidelai/fidel"

// Span names.
const (
	SpanSession = "tutor.session"
	SpanConnect = "tutor.connect"
)

// Tracer returns the Fidel tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSession starts the root span of a tutoring session. It stays open for
// the whole session and is closed by [EndSession].
func StartSession(ctx context.Context, sessionID, provider, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanSession,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("s2s.provider", provider),
			attribute.String("s2s.model", model),
		),
	)
}

// EndSession annotates span with the end reason and metered usage and ends
// it. A non-nil err marks the span failed.
func EndSession(span trace.Span, reason string, err error, inputTokens, outputTokens int64) {
	span.SetAttributes(
		attribute.String("session.end_reason", reason),
		attribute.Int64("tokens.input", inputTokens),
		attribute.Int64("tokens.output", outputTokens),
	)
	Finish(span, err)
}

// StartConnect starts the span covering a transport dial up to the server's
// setup acknowledgement.
func StartConnect(ctx context.Context, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("s2s.provider", provider)),
	)
}

// Finish ends span, recording err first when it is non-nil.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace ID of the span in ctx, or "" when there is
// none. HTTP responses echo it as X-Correlation-ID.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SessionLogger derives a session-scoped logger from base. When ctx carries a
// span its trace ID is attached so logs line up with the trace.
func SessionLogger(ctx context.Context, base *slog.Logger, sessionID string) *slog.Logger {
	l := base.With(slog.String("session_id", sessionID))
	if id := TraceID(ctx); id != "" {
		l = l.With(slog.String("trace_id", id))
	}
	return l
}

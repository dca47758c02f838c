package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer as the global provider for the
// duration of the test. Tests that call it must not run in parallel.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attrOf(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSessionSpans(t *testing.T) {
	exp := useTestTracer(t)

	ctx, session := StartSession(context.Background(), "sess-1", "gemini-live", "flash")
	_, connect := StartConnect(ctx, "gemini-live")
	Finish(connect, nil)
	EndSession(session, "user_stop", nil, 78, 25)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	conn, sess := spans[0], spans[1]
	if conn.Name != SpanConnect || sess.Name != SpanSession {
		t.Fatalf("span names = %q, %q", conn.Name, sess.Name)
	}
	if conn.Parent.SpanID() != sess.SpanContext.SpanID() {
		t.Error("connect span is not a child of the session span")
	}
	if v, _ := attrOf(sess, "session.id"); v.AsString() != "sess-1" {
		t.Errorf("session.id = %q", v.AsString())
	}
	if v, _ := attrOf(sess, "session.end_reason"); v.AsString() != "user_stop" {
		t.Errorf("end_reason = %q", v.AsString())
	}
	if v, _ := attrOf(sess, "tokens.input"); v.AsInt64() != 78 {
		t.Errorf("tokens.input = %d, want 78", v.AsInt64())
	}
	if sess.Status.Code == codes.Error {
		t.Error("clean session marked failed")
	}
}

func TestEndSession_ErrorMarksSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSession(context.Background(), "sess-2", "gemini-live", "")
	EndSession(span, "transport_error", errors.New("socket reset"), 0, 0)

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Error || got.Status.Description != "socket reset" {
		t.Errorf("status = %+v", got.Status)
	}
	if len(got.Events) == 0 || got.Events[0].Name != "exception" {
		t.Error("error not recorded as a span event")
	}
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	ctx, span := Tracer().Start(context.Background(), "x")
	defer span.End()
	if got := TraceID(ctx); len(got) != 32 {
		t.Errorf("TraceID length = %d, want 32", len(got))
	}
}

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	SessionLogger(context.Background(), base, "a").Info("no span")
	if out := buf.String(); !strings.Contains(out, "session_id=a") || strings.Contains(out, "trace_id") {
		t.Errorf("without a span: %q", out)
	}

	buf.Reset()
	useTestTracer(t)
	ctx, span := StartSession(context.Background(), "b", "p", "m")
	defer span.End()
	SessionLogger(ctx, base, "b").Info("with span")
	if out := buf.String(); !strings.Contains(out, "trace_id="+TraceID(ctx)) {
		t.Errorf("with a span: %q", out)
	}
}

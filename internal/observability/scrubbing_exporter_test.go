package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type recordingExporter struct {
	mu       sync.Mutex
	spans    []sdktrace.ReadOnlySpan
	shutdown bool
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	return nil
}

func (e *recordingExporter) exported(t *testing.T) sdktrace.ReadOnlySpan {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.spans) != 1 {
		t.Fatalf("exported spans=%d, want 1", len(e.spans))
	}
	return e.spans[0]
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[string(a.Key)] = a.Value.Emit()
	}
	return out
}

func stubContext(id byte) trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: trace.TraceID{id}, SpanID: trace.SpanID{id}})
}

func TestScrubbingExporterRedactsUpstreamErrorAttributes(t *testing.T) {
	t.Parallel()

	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)
	stub := tracetest.SpanStub{
		Name:        "POST /v1/messages",
		SpanContext: stubContext(1),
		Attributes: []attribute.KeyValue{
			attribute.String("error.message", "anthropic upstream returned 401: invalid x-api-key sk-ant-api03-SECRET123456"),
			attribute.String("gateway.credential_provider", "anthropic"),
			attribute.Int("http.status_code", 502),
		},
		Events: []sdktrace.Event{{
			Name:       "exception",
			Time:       time.Now(),
			Attributes: []attribute.KeyValue{attribute.String("exception.message", "Bearer abcdefghijklmnop rejected")},
		}},
		Status: sdktrace.Status{Code: codes.Error, Description: "gsk_0123456789abcdef was rejected"},
	}

	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	span := inner.exported(t)

	attrs := attrMap(span.Attributes())
	if got := attrs["error.message"]; got != "anthropic upstream returned 401: invalid x-api-key [CREDENTIAL_REDACTED]" {
		t.Fatalf("error.message=%q, want scrubbed", got)
	}
	if attrs["gateway.credential_provider"] != "anthropic" || attrs["http.status_code"] != "502" {
		t.Fatalf("clean attributes changed: %v", attrs)
	}
	if got := attrMap(span.Events()[0].Attributes)["exception.message"]; ContainsCredential(got) {
		t.Fatalf("event attribute still carries a credential: %q", got)
	}
	if ContainsCredential(span.Status().Description) || span.Status().Code != codes.Error {
		t.Fatalf("status=%+v, want scrubbed error status", span.Status())
	}
}

func TestScrubbingExporterPassesCleanSpansThrough(t *testing.T) {
	t.Parallel()

	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)
	original := tracetest.SpanStub{
		Name:        "POST /v1/chat/completions",
		SpanContext: stubContext(2),
		Attributes:  []attribute.KeyValue{attribute.String("gateway.key_id", "team-a")},
	}.Snapshot()

	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{original}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	got := inner.exported(t)
	if got.Name() != original.Name() {
		t.Fatalf("name=%q, want %q", got.Name(), original.Name())
	}
	if !got.SpanContext().Equal(original.SpanContext()) {
		t.Fatalf("span context=%v, want %v", got.SpanContext(), original.SpanContext())
	}
	attrs := attrMap(got.Attributes())
	if len(attrs) != 1 || attrs["gateway.key_id"] != "team-a" {
		t.Fatalf("attributes=%v, want gateway.key_id=team-a only", attrs)
	}
}

func TestScrubbingExporterShutdownDelegates(t *testing.T) {
	t.Parallel()

	inner := &recordingExporter{}
	if err := newScrubbingExporter(inner).Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !inner.shutdown {
		t.Fatal("wrapped exporter was not shut down")
	}
}

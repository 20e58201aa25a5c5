package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter removes credentials from span attributes, events, links
// and status before spans leave the process. Upstream error strings often
// echo the caller's key back.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = scrubSpan(span)
	}
	return e.wrapped.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns s itself when it is clean.
func scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	dirty := hasCredential(s.Attributes()) || ContainsCredential(s.Status().Description)
	for _, event := range s.Events() {
		dirty = dirty || hasCredential(event.Attributes)
	}
	for _, link := range s.Links() {
		dirty = dirty || hasCredential(link.Attributes)
	}
	if !dirty {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(stub.Events[i].Attributes)
	}
	for i := range stub.Links {
		stub.Links[i].Attributes = scrubAttributes(stub.Links[i].Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func hasCredential(attrs []attribute.KeyValue) bool {
	for _, a := range attrs {
		if a.Value.Type() == attribute.STRING && ContainsCredential(a.Value.AsString()) {
			return true
		}
	}
	return false
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = a
		if a.Value.Type() == attribute.STRING {
			if value := a.Value.AsString(); ContainsCredential(value) {
				out[i] = attribute.String(string(a.Key), ScrubCredentials(value))
			}
		}
	}
	return out
}

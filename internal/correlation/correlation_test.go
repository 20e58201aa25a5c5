package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureRequestKeepsValidIncomingID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")

	updated, id := EnsureRequest(req)
	if id != "abc-123" {
		t.Fatalf("id=%q, want abc-123", id)
	}
	if got := updated.Header.Get(HeaderName); got != "abc-123" {
		t.Fatalf("%s=%q, want abc-123", HeaderName, got)
	}
	if fromCtx, ok := FromContext(updated.Context()); !ok || fromCtx != "abc-123" {
		t.Fatalf("context id=%q (ok=%v), want abc-123", fromCtx, ok)
	}
}

func TestEnsureRequestReplacesInvalidID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set(HeaderName, "has spaces in it")

	updated, id := EnsureRequest(req)
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("id=%q, want generated req_ id", id)
	}
	if got := updated.Header.Get(HeaderName); got != id {
		t.Fatalf("%s=%q, want %q", HeaderName, got, id)
	}
}

func TestFromHeadersPrefersCanonicalHeader(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	headers.Set("X-Correlation-ID", "alternate")
	headers.Set(HeaderName, "canonical")
	if got := FromHeaders(headers); got != "canonical" {
		t.Fatalf("FromHeaders()=%q, want canonical", got)
	}
}

func TestFromContextIgnoresEmptyValues(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "   ")
	if id, ok := FromContext(ctx); ok {
		t.Fatalf("FromContext()=%q, want none", id)
	}
}

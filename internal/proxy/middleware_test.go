package proxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spanline/gateway/internal/correlation"
	"github.com/spanline/gateway/internal/observability"
)

func TestLoggingMiddlewareAssignsRequestIDAndLogsSpan(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(observability.NewContextLogHandler(slog.NewJSONHandler(&logs, nil)))

	var seenID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := correlation.FromContext(r.Context())
		if !ok {
			t.Fatal("request id missing from context")
		}
		seenID = id
		w.Header().Set(HeaderSpanID, "spn_1")
		w.Header().Set(HeaderTraceID, "trc_1")
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger, next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusAccepted)
	}
	responseID := rec.Header().Get(correlation.HeaderName)
	if responseID == "" || responseID != seenID {
		t.Fatalf("response request id=%q, context id=%q", responseID, seenID)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(logs.String())), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	want := map[string]any{
		"request_id": responseID,
		"span_id":    "spn_1",
		"trace_id":   "trc_1",
		"path":       "/v1/messages",
		"status":     float64(http.StatusAccepted),
	}
	for key, value := range want {
		if payload[key] != value {
			t.Fatalf("logged %s=%v, want %v", key, payload[key], value)
		}
	}
}

func TestLoggingMiddlewareKeepsIncomingRequestID(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Correlation-ID", "upstream-123")

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger, nil).ServeHTTP(rec, req)

	if got := rec.Header().Get(correlation.HeaderName); got != "upstream-123" {
		t.Fatalf("request id=%q, want upstream-123", got)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 from the default handler", rec.Code)
	}
}

func TestAccessRecorderCountsFlushesThroughResponseController(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	access := &accessRecorder{ResponseWriter: rec}
	controller := http.NewResponseController(access)
	for i := 0; i < 2; i++ {
		if _, err := access.Write([]byte("data: {}\n\n")); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if err := controller.Flush(); err != nil {
			t.Fatalf("Flush() error: %v", err)
		}
	}
	if !rec.Flushed {
		t.Fatal("underlying recorder was not flushed")
	}
	if access.flushes != 2 || access.written != 20 || access.status() != http.StatusOK {
		t.Fatalf("flushes=%d written=%d status=%d, want 2/20/200", access.flushes, access.written, access.status())
	}
}

func TestLoggingMiddlewareWarnsOnServerErrors(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream failed", http.StatusBadGateway)
	})
	LoggingMiddleware(logger, next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(logs.String())), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["level"] != "WARN" || payload["status"] != float64(http.StatusBadGateway) {
		t.Fatalf("level=%v status=%v, want WARN/502", payload["level"], payload["status"])
	}
	if payload["bytes"] != float64(len("upstream failed\n")) {
		t.Fatalf("bytes=%v, want %d", payload["bytes"], len("upstream failed\n"))
	}
}

package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spanline/gateway/internal/correlation"
)

// LoggingMiddleware assigns the request id and writes one access log line
// per request. The request id reaches the log through the request context.
// Server errors are logged at warn so failed upstream relays stand out.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestID string
		r, requestID = correlation.EnsureRequest(r)
		if requestID != "" {
			w.Header().Set(correlation.HeaderName, requestID)
		}

		started := time.Now()
		access := &accessRecorder{ResponseWriter: w}
		next.ServeHTTP(access, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", access.status(),
			"bytes", access.written,
			"latency_ms", time.Since(started).Milliseconds(),
		}
		if access.flushes > 0 {
			attrs = append(attrs, "flushes", access.flushes)
		}
		if spanID := access.Header().Get(HeaderSpanID); spanID != "" {
			attrs = append(attrs, "span_id", spanID, "trace_id", access.Header().Get(HeaderTraceID))
		}

		level := slog.LevelInfo
		if access.status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request complete", attrs...)
	})
}

// accessRecorder remembers what the handler sent. Streamed responses are
// recognised by their flushes.
type accessRecorder struct {
	http.ResponseWriter
	code    int
	written int64
	flushes int
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (a *accessRecorder) Unwrap() http.ResponseWriter {
	return a.ResponseWriter
}

func (a *accessRecorder) WriteHeader(code int) {
	if a.code == 0 {
		a.code = code
	}
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(p []byte) (int, error) {
	if a.code == 0 {
		a.code = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(p)
	a.written += int64(n)
	return n, err
}

func (a *accessRecorder) Flush() {
	flusher, ok := a.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	a.flushes++
	flusher.Flush()
}

func (a *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := a.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (a *accessRecorder) status() int {
	if a.code == 0 {
		return http.StatusOK
	}
	return a.code
}

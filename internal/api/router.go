package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spanline/gateway/internal/auth"
	"github.com/spanline/gateway/internal/limits"
	"github.com/spanline/gateway/internal/stream"
	"github.com/spanline/gateway/internal/trace"
)

// Replayer re-sends recorded spans.
type Replayer interface {
	Retry(ctx context.Context, account *trace.Account, spanID, prompt string) (*trace.Span, error)
	Replay(w http.ResponseWriter, r *http.Request, account *trace.Account, credential, spanID, prompt string) (*trace.Span, error)
}

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	StoragePath   string
	Ledger        *trace.Ledger
	Authenticator *auth.Authenticator
	Replayer      Replayer
	Touches       *trace.TouchWriter
	StreamStats   *stream.Stats
	Limiter       *limits.AccountLimiter
	Logger        *slog.Logger
}

// NewRouter serves the management API under /api/.
func NewRouter(options RouterOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("GET /api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Touches:       options.Touches,
		StreamStats:   options.StreamStats,
		Limiter:       options.Limiter,
	}))

	spans := &spanHandlers{
		ledger:   options.Ledger,
		auth:     options.Authenticator,
		replayer: options.Replayer,
		logger:   options.Logger,
	}
	read := func(h http.HandlerFunc) http.Handler {
		return auth.Require(options.Authenticator, auth.PermissionSpansRead, writeError, h)
	}
	write := func(h http.HandlerFunc) http.Handler {
		return auth.Require(options.Authenticator, auth.PermissionSpansWrite, writeError, h)
	}
	mux.Handle("GET /api/spans", read(spans.list))
	mux.Handle("GET /api/spans/{id}", read(spans.detail))
	mux.Handle("GET /api/traces/{id}", read(spans.traceView))
	mux.Handle("POST /api/spans/{id}/retry", write(spans.retry))
	mux.Handle("POST /api/spans/{id}/replay", write(spans.replay))

	header := auth.DefaultHeaderName
	if options.Authenticator != nil {
		header = options.Authenticator.HeaderName()
	}
	return withCORS(mux, header)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func withCORS(next http.Handler, gatewayAuthHeader string) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "X-API-Key"}
	if customHeader := strings.TrimSpace(gatewayAuthHeader); customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

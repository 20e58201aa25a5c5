// Package correlation carries a per-request identifier through the gateway
// so log lines, spans and upstream calls can be joined.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is echoed on every response and forwarded upstream.
	HeaderName = "X-Request-ID"
	maxIDLen   = 128
)

type contextKey struct{}

// alternateHeaders are accepted on input when HeaderName is absent.
var alternateHeaders = []string{
	"X-Correlation-ID",
	"X-Amzn-Trace-Id",
}

// EnsureRequest returns req with a correlation id in both its context and
// its headers, reusing a valid incoming id when present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if id, ok := FromContext(req.Context()); ok {
		req.Header.Set(HeaderName, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}
	req = req.WithContext(WithContext(req.Context(), id))
	req.Header.Set(HeaderName, id)
	return req, id
}

func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if normalized := normalizeID(id); normalized != "" {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(contextKey{}).(string)
	value = normalizeID(value)
	return value, value != ""
}

// FromHeaders prefers HeaderName over the alternates.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if id := normalizeID(headers.Get(HeaderName)); id != "" {
		return id
	}
	for _, header := range alternateHeaders {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':', r == '=', r == ';':
		default:
			return ""
		}
	}
	return value
}

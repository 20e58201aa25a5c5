package providers

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// UpstreamError is a non-success reply from a provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// NewUpstreamError extracts a human readable message from any of the error
// envelopes the supported providers use.
func NewUpstreamError(provider string, statusCode int, body []byte) *UpstreamError {
	message := ""
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "0.error.message"} {
			value := gjson.GetBytes(body, path)
			if value.Type == gjson.String && strings.TrimSpace(value.Str) != "" {
				message = strings.TrimSpace(value.Str)
				break
			}
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &UpstreamError{Provider: provider, StatusCode: statusCode, Message: message}
}

// PeekModel reads the top-level model field without decoding the body.
func PeekModel(body []byte) string {
	return strings.TrimSpace(gjson.GetBytes(body, "model").String())
}

func newJSONRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// decodeContent accepts either a plain string or an array of typed blocks and
// returns the concatenated text blocks.
func decodeContent(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", err
		}
		return text, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return "", err
	}
	var out strings.Builder
	for _, block := range blocks {
		if block.Type == "text" || (block.Type == "" && block.Text != "") {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// splitExtra removes the named keys from fields and returns what is left.
func splitExtra(fields map[string]json.RawMessage, known ...string) map[string]json.RawMessage {
	for _, key := range known {
		delete(fields, key)
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func decodeOptionalInt(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptionalFloat(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptionalBool(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	return v, nil
}

// mergeFields writes base plus the allowed extra keys as one JSON object.
// Keys already present in base win.
func mergeFields(base map[string]any, extra map[string]json.RawMessage, allowed map[string]bool) ([]byte, error) {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range extra {
		if allowed != nil && !allowed[key] {
			continue
		}
		out[key] = value
	}
	for key, value := range base {
		out[key] = value
	}
	return json.Marshal(out)
}

// NewCompletionID returns prefix followed by 24 random hex characters.
func NewCompletionID(prefix string) string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return prefix + "0"
	}
	return prefix + hex.EncodeToString(b[:])
}

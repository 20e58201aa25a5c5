package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// WireFormat names a request/response dialect spoken on the wire.
type WireFormat string

const (
	FormatOpenAI    WireFormat = "openai"
	FormatAnthropic WireFormat = "anthropic"
	FormatGemini    WireFormat = "gemini"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishOther  = "other"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidRequest  = errors.New("invalid request")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical request shape. Raw and Format describe the
// body as the client sent it so a provider speaking the same dialect can
// forward it untouched.
type ChatRequest struct {
	Model       string                     `json:"model"`
	Messages    []Message                  `json:"messages"`
	MaxTokens   *int                       `json:"max_tokens,omitempty"`
	Temperature *float64                   `json:"temperature,omitempty"`
	Stream      bool                       `json:"stream,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`

	Raw     []byte      `json:"-"`
	Format  WireFormat  `json:"format,omitempty"`
	Headers http.Header `json:"-"`
}

type Usage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// ChatResponse is the canonical single-choice completion.
type ChatResponse struct {
	ID           string
	Created      int64
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
	Raw          []byte
}

// StreamChunkData is what one upstream stream event contributes. A single
// event can carry several signals at once, e.g. a final delta together with
// usage and a finish reason.
type StreamChunkData struct {
	Model            string
	Start            bool
	Delta            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	FinishReason     string
	Done             bool
	Error            string
}

// Provider is one upstream variant. It is selected once per request and
// owns request building, response parsing and stream event parsing for its
// wire format.
type Provider interface {
	Name() string
	Format() WireFormat
	NewRequest(ctx context.Context, baseURL string, req *ChatRequest, credential string) (*http.Request, error)
	ParseResponse(body []byte, model string) (*ChatResponse, error)
	ParseStreamChunk(event string, data []byte) (*StreamChunkData, error)
}

func (r *ChatRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: messages[%d].role %q is not supported", ErrInvalidRequest, i, msg.Role)
		}
	}
	return nil
}

// Snapshot serializes the canonical request for later replay. The raw body
// and headers are not part of it.
func (r *ChatRequest) Snapshot() (string, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("snapshot request: %w", err)
	}
	return string(out), nil
}

// SplitSystem returns the system instruction and the remaining turns.
// Multiple system messages are joined in order.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}
		turns = append(turns, msg)
	}
	return strings.Join(system, "\n\n"), turns
}

// RenderPrompt flattens messages into "role: content" lines, the form the
// replay parser reads back.
func RenderPrompt(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, msg.Role+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// NormalizeFinishReason maps every known provider vocabulary onto
// stop, length or other. An empty reason stays empty.
func NormalizeFinishReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "":
		return ""
	case "stop", "end_turn", "stop_sequence", "eos":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	default:
		return FinishOther
	}
}

func (u Usage) withTotal() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

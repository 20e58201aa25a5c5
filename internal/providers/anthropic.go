package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

type AnthropicProvider struct{}

func (AnthropicProvider) Name() string       { return "anthropic" }
func (AnthropicProvider) Format() WireFormat { return FormatAnthropic }

var anthropicPassthroughFields = map[string]bool{
	"top_p":          true,
	"top_k":          true,
	"stop_sequences": true,
	"metadata":       true,
}

func (AnthropicProvider) NewRequest(ctx context.Context, baseURL string, req *ChatRequest, credential string) (*http.Request, error) {
	body := req.Raw
	if req.Format != FormatAnthropic || len(body) == 0 {
		var err error
		body, err = EncodeMessagesRequest(req)
		if err != nil {
			return nil, err
		}
	}

	upstream, err := newJSONRequest(ctx, strings.TrimRight(baseURL, "/")+"/messages", body)
	if err != nil {
		return nil, err
	}
	upstream.Header.Set("x-api-key", credential)
	upstream.Header.Set("anthropic-version", anthropicVersion)
	for _, name := range []string{"anthropic-version", "anthropic-beta"} {
		if value := req.Headers.Get(name); value != "" {
			upstream.Header.Set(name, value)
		}
	}
	if req.Stream {
		upstream.Header.Set("Accept", "text/event-stream")
	}
	return upstream, nil
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

func (AnthropicProvider) ParseResponse(body []byte, model string) (*ChatResponse, error) {
	var payload anthropicResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode anthropic message: %w", err)
	}

	var text strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp := &ChatResponse{
		ID:           payload.ID,
		Model:        payload.Model,
		Content:      text.String(),
		FinishReason: NormalizeFinishReason(payload.StopReason),
		Usage: Usage{
			InputTokens:      payload.Usage.InputTokens,
			OutputTokens:     payload.Usage.OutputTokens,
			CacheReadTokens:  payload.Usage.CacheReadInputTokens,
			CacheWriteTokens: payload.Usage.CacheCreationInputTokens,
		}.withTotal(),
		Raw: body,
	}
	fillResponseDefaults(resp, model)
	return resp, nil
}

func (AnthropicProvider) ParseStreamChunk(event string, data []byte) (*StreamChunkData, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("malformed anthropic event %q", event)
	}
	parsed := gjson.ParseBytes(data)

	kind := parsed.Get("type").String()
	if kind == "" {
		kind = event
	}

	switch kind {
	case "message_start":
		message := parsed.Get("message")
		return &StreamChunkData{
			Start:            true,
			Model:            message.Get("model").String(),
			InputTokens:      int(message.Get("usage.input_tokens").Int()),
			OutputTokens:     int(message.Get("usage.output_tokens").Int()),
			CacheReadTokens:  int(message.Get("usage.cache_read_input_tokens").Int()),
			CacheWriteTokens: int(message.Get("usage.cache_creation_input_tokens").Int()),
		}, nil
	case "content_block_delta":
		if parsed.Get("delta.type").String() != "text_delta" {
			return &StreamChunkData{}, nil
		}
		return &StreamChunkData{Delta: parsed.Get("delta.text").String()}, nil
	case "message_delta":
		return &StreamChunkData{
			OutputTokens: int(parsed.Get("usage.output_tokens").Int()),
			FinishReason: NormalizeFinishReason(parsed.Get("delta.stop_reason").String()),
		}, nil
	case "message_stop":
		return &StreamChunkData{Done: true}, nil
	case "error":
		return &StreamChunkData{Error: parsed.Get("error.message").String(), Done: true}, nil
	default:
		return &StreamChunkData{}, nil
	}
}

// DecodeMessagesRequest reads an Anthropic messages body into the canonical
// shape. The system field, when present, becomes the leading system message.
func DecodeMessagesRequest(body []byte) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	req := &ChatRequest{Raw: body, Format: FormatAnthropic}
	if raw := fields["model"]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &req.Model); err != nil {
			return nil, fmt.Errorf("%w: model must be a string", ErrInvalidRequest)
		}
	}

	system, err := decodeContent(fields["system"])
	if err != nil {
		return nil, fmt.Errorf("%w: system: %v", ErrInvalidRequest, err)
	}
	if system != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: system})
	}

	var messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if raw := fields["messages"]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("%w: messages must be an array", ErrInvalidRequest)
		}
	}
	for i, msg := range messages {
		content, err := decodeContent(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: messages[%d].content: %v", ErrInvalidRequest, i, err)
		}
		if msg.Role == RoleSystem {
			return nil, fmt.Errorf("%w: messages[%d].role system belongs in the system field", ErrInvalidRequest, i)
		}
		req.Messages = append(req.Messages, Message{Role: msg.Role, Content: content})
	}

	if req.MaxTokens, err = decodeOptionalInt(fields["max_tokens"]); err != nil {
		return nil, fmt.Errorf("%w: max_tokens: %v", ErrInvalidRequest, err)
	}
	if req.Temperature, err = decodeOptionalFloat(fields["temperature"]); err != nil {
		return nil, fmt.Errorf("%w: temperature: %v", ErrInvalidRequest, err)
	}
	if req.Stream, err = decodeOptionalBool(fields["stream"]); err != nil {
		return nil, fmt.Errorf("%w: stream: %v", ErrInvalidRequest, err)
	}
	req.Extra = splitExtra(fields, "model", "system", "messages", "max_tokens", "temperature", "stream")

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeMessagesRequest renders the canonical request as an Anthropic body.
// The system field is omitted when there is no system message.
func EncodeMessagesRequest(req *ChatRequest) ([]byte, error) {
	system, turns := SplitSystem(req.Messages)

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	base := map[string]any{
		"model":      req.Model,
		"messages":   turns,
		"max_tokens": maxTokens,
	}
	if system != "" {
		base["system"] = system
	}
	if req.Temperature != nil {
		base["temperature"] = *req.Temperature
	}
	if req.Stream {
		base["stream"] = true
	}

	allowed := anthropicPassthroughFields
	if req.Format == FormatAnthropic {
		allowed = nil
	}
	body, err := mergeFields(base, req.Extra, allowed)
	if err != nil {
		return nil, fmt.Errorf("encode messages request: %w", err)
	}
	return body, nil
}

type messagesResponseBody struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Model        string                 `json:"model"`
	Content      []messagesContentBlock `json:"content"`
	StopReason   string                 `json:"stop_reason"`
	StopSequence *string                `json:"stop_sequence"`
	Usage        anthropicUsage         `json:"usage"`
}

type messagesContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeMessagesResponse renders a canonical response as an Anthropic
// message object.
func EncodeMessagesResponse(resp *ChatResponse) ([]byte, error) {
	id := resp.ID
	if !strings.HasPrefix(id, "msg_") {
		id = NewCompletionID("msg_")
	}
	return json.Marshal(messagesResponseBody{
		ID:         id,
		Type:       "message",
		Role:       RoleAssistant,
		Model:      resp.Model,
		Content:    []messagesContentBlock{{Type: "text", Text: resp.Content}},
		StopReason: AnthropicStopReason(resp.FinishReason),
		Usage: anthropicUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadTokens,
			CacheCreationInputTokens: resp.Usage.CacheWriteTokens,
		},
	})
}

// AnthropicStopReason maps a canonical finish reason back to Anthropic's
// vocabulary.
func AnthropicStopReason(finishReason string) string {
	switch finishReason {
	case FinishLength:
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// AnthropicErrorType picks the Anthropic error type for an HTTP status.
func AnthropicErrorType(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

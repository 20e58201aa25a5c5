package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// chatCompletionsCodec implements the OpenAI chat-completions dialect shared
// by every OpenAI-compatible upstream.
type chatCompletionsCodec struct{}

type OpenAIProvider struct{ chatCompletionsCodec }

type GroqProvider struct{ chatCompletionsCodec }

type OpenRouterProvider struct{ chatCompletionsCodec }

func (OpenAIProvider) Name() string     { return "openai" }
func (GroqProvider) Name() string       { return "groq" }
func (OpenRouterProvider) Name() string { return "openrouter" }

func (chatCompletionsCodec) Format() WireFormat { return FormatOpenAI }

var openAIPassthroughFields = map[string]bool{
	"top_p":             true,
	"stop":              true,
	"user":              true,
	"seed":              true,
	"presence_penalty":  true,
	"frequency_penalty": true,
	"stream_options":    true,
}

func (chatCompletionsCodec) NewRequest(ctx context.Context, baseURL string, req *ChatRequest, credential string) (*http.Request, error) {
	body := req.Raw
	if req.Format != FormatOpenAI || len(body) == 0 {
		var err error
		body, err = EncodeChatRequest(req)
		if err != nil {
			return nil, err
		}
	}

	upstream, err := newJSONRequest(ctx, strings.TrimRight(baseURL, "/")+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	upstream.Header.Set("Authorization", "Bearer "+credential)
	if req.Stream {
		upstream.Header.Set("Accept", "text/event-stream")
	}
	return upstream, nil
}

type openAIResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (chatCompletionsCodec) ParseResponse(body []byte, model string) (*ChatResponse, error) {
	var payload openAIResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}

	resp := &ChatResponse{
		ID:      payload.ID,
		Created: payload.Created,
		Model:   payload.Model,
		Usage: Usage{
			InputTokens:  payload.Usage.PromptTokens,
			OutputTokens: payload.Usage.CompletionTokens,
			TotalTokens:  payload.Usage.TotalTokens,
		}.withTotal(),
		Raw: body,
	}
	if len(payload.Choices) > 0 {
		content, err := decodeContent(payload.Choices[0].Message.Content)
		if err != nil {
			return nil, fmt.Errorf("decode chat completion content: %w", err)
		}
		resp.Content = content
		resp.FinishReason = NormalizeFinishReason(payload.Choices[0].FinishReason)
	}
	fillResponseDefaults(resp, model)
	return resp, nil
}

func (chatCompletionsCodec) ParseStreamChunk(_ string, data []byte) (*StreamChunkData, error) {
	payload := strings.TrimSpace(string(data))
	if payload == "[DONE]" {
		return &StreamChunkData{Done: true}, nil
	}
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("malformed chat completion chunk")
	}

	parsed := gjson.Parse(payload)
	if message := parsed.Get("error.message"); message.Exists() {
		return &StreamChunkData{Error: message.String(), Done: true}, nil
	}

	chunk := &StreamChunkData{Model: parsed.Get("model").String()}
	choice := parsed.Get("choices.0")
	if choice.Exists() {
		chunk.Start = choice.Get("delta.role").Exists()
		chunk.Delta = choice.Get("delta.content").String()
		chunk.FinishReason = NormalizeFinishReason(choice.Get("finish_reason").String())
	}
	if usage := parsed.Get("usage"); usage.IsObject() {
		chunk.InputTokens = int(usage.Get("prompt_tokens").Int())
		chunk.OutputTokens = int(usage.Get("completion_tokens").Int())
	}
	return chunk, nil
}

// DecodeChatRequest reads an OpenAI-style body into the canonical shape.
// Unrecognised top-level fields are kept in Extra.
func DecodeChatRequest(body []byte) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	req := &ChatRequest{Raw: body, Format: FormatOpenAI}
	if err := json.Unmarshal(fields["model"], &req.Model); err != nil && len(fields["model"]) > 0 {
		return nil, fmt.Errorf("%w: model must be a string", ErrInvalidRequest)
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
		role := msg.Role
		if role == "developer" {
			role = RoleSystem
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: content})
	}

	var err error
	if req.MaxTokens, err = decodeOptionalInt(firstPresent(fields, "max_completion_tokens", "max_tokens")); err != nil {
		return nil, fmt.Errorf("%w: max_tokens: %v", ErrInvalidRequest, err)
	}
	if req.Temperature, err = decodeOptionalFloat(fields["temperature"]); err != nil {
		return nil, fmt.Errorf("%w: temperature: %v", ErrInvalidRequest, err)
	}
	if req.Stream, err = decodeOptionalBool(fields["stream"]); err != nil {
		return nil, fmt.Errorf("%w: stream: %v", ErrInvalidRequest, err)
	}
	req.Extra = splitExtra(fields, "model", "messages", "max_tokens", "max_completion_tokens", "temperature", "stream")

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeChatRequest renders the canonical request as an OpenAI body.
func EncodeChatRequest(req *ChatRequest) ([]byte, error) {
	base := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.MaxTokens != nil {
		base["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		base["temperature"] = *req.Temperature
	}
	if req.Stream {
		base["stream"] = true
		if _, ok := req.Extra["stream_options"]; !ok {
			base["stream_options"] = map[string]bool{"include_usage": true}
		}
	}

	allowed := openAIPassthroughFields
	if req.Format == FormatOpenAI || req.Format == "" {
		allowed = nil
	}
	body, err := mergeFields(base, req.Extra, allowed)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	return body, nil
}

type chatCompletionBody struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []chatCompletionItem `json:"choices"`
	Usage   chatCompletionUsage  `json:"usage"`
}

type chatCompletionItem struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EncodeChatCompletion renders a canonical response as an OpenAI
// chat.completion object.
func EncodeChatCompletion(resp *ChatResponse) ([]byte, error) {
	usage := resp.Usage.withTotal()
	return json.Marshal(chatCompletionBody{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chatCompletionItem{{
			Message:      Message{Role: RoleAssistant, Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: chatCompletionUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.TotalTokens,
		},
	})
}

func fillResponseDefaults(resp *ChatResponse, model string) {
	if resp.ID == "" {
		resp.ID = NewCompletionID("chatcmpl-")
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Model == "" {
		resp.Model = model
	}
}

func firstPresent(fields map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, key := range keys {
		if raw, ok := fields[key]; ok {
			return raw
		}
	}
	return nil
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestDecodeChatRequest(t *testing.T) {
	t.Parallel()

	req, err := DecodeChatRequest([]byte(`{
		"model":"gpt-4o-mini",
		"messages":[
			{"role":"developer","content":"be terse"},
			{"role":"user","content":[{"type":"text","text":"hi"}]}
		],
		"max_completion_tokens":32,
		"temperature":0.2,
		"stream":true,
		"user":"u-1"
	}`))
	if err != nil {
		t.Fatalf("DecodeChatRequest() error: %v", err)
	}

	want := []Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages=%+v, want %+v", req.Messages, want)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Fatalf("messages[%d]=%+v, want %+v", i, req.Messages[i], want[i])
		}
	}
	if req.MaxTokens == nil || *req.MaxTokens != 32 {
		t.Fatalf("max_tokens=%v, want 32", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Fatalf("temperature=%v, want 0.2", req.Temperature)
	}
	if !req.Stream {
		t.Fatal("stream=false, want true")
	}
	if string(req.Extra["user"]) != `"u-1"` {
		t.Fatalf("extra=%v, want user kept", req.Extra)
	}
}

func TestDecodeChatRequestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `nope`},
		{name: "missing model", body: `{"messages":[{"role":"user","content":"hi"}]}`},
		{name: "model wrong type", body: `{"model":1,"messages":[{"role":"user","content":"hi"}]}`},
		{name: "empty messages", body: `{"model":"gpt-4o","messages":[]}`},
		{name: "messages wrong type", body: `{"model":"gpt-4o","messages":"hi"}`},
		{name: "unsupported role", body: `{"model":"gpt-4o","messages":[{"role":"wizard","content":"hi"}]}`},
		{name: "stream wrong type", body: `{"model":"gpt-4o","stream":"yes","messages":[{"role":"user","content":"hi"}]}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := DecodeChatRequest([]byte(tt.body)); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("DecodeChatRequest() error=%v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestOpenAIProviderNewRequest(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"logit_bias":{}}`)
	req, err := DecodeChatRequest(raw)
	if err != nil {
		t.Fatalf("DecodeChatRequest() error: %v", err)
	}

	upstream, err := OpenAIProvider{}.NewRequest(context.Background(), "https://api.openai.com/v1", req, "sk-test")
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if upstream.URL.String() != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("url=%q", upstream.URL.String())
	}
	if got := upstream.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("authorization=%q", got)
	}
	body, _ := io.ReadAll(upstream.Body)
	if string(body) != string(raw) {
		t.Fatalf("body=%s, want verbatim passthrough", body)
	}
}

func TestGroqProviderTranslatesAnthropicBody(t *testing.T) {
	t.Parallel()

	req, err := DecodeMessagesRequest([]byte(`{"model":"llama-3.1-8b-instant","system":"rules","max_tokens":12,"stream":true,"top_k":3,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("DecodeMessagesRequest() error: %v", err)
	}

	upstream, err := GroqProvider{}.NewRequest(context.Background(), "https://api.groq.com/openai/v1", req, "gsk_test")
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}

	var payload struct {
		Messages      []Message       `json:"messages"`
		MaxTokens     int             `json:"max_tokens"`
		Stream        bool            `json:"stream"`
		StreamOptions map[string]bool `json:"stream_options"`
		TopK          *int            `json:"top_k"`
	}
	if err := json.NewDecoder(upstream.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].Role != RoleSystem || payload.Messages[1].Content != "hi" {
		t.Fatalf("messages=%+v", payload.Messages)
	}
	if payload.MaxTokens != 12 || !payload.Stream || !payload.StreamOptions["include_usage"] {
		t.Fatalf("payload=%+v", payload)
	}
	if payload.TopK != nil {
		t.Fatal("top_k forwarded to an openai-compatible upstream")
	}
}

func TestOpenAIProviderParseResponse(t *testing.T) {
	t.Parallel()

	provider := OpenAIProvider{}

	tests := []struct {
		name             string
		body             string
		wantContent      string
		wantFinish       string
		wantInputTokens  int
		wantOutputTokens int
		wantTotalTokens  int
	}{
		{
			name:             "parses choice and usage",
			body:             `{"id":"chatcmpl-1","created":1700000000,"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`,
			wantContent:      "hi",
			wantFinish:       FinishStop,
			wantInputTokens:  11,
			wantOutputTokens: 7,
			wantTotalTokens:  18,
		},
		{
			name:             "derives total when missing",
			body:             `{"choices":[{"message":{"content":"x"},"finish_reason":"length"}],"usage":{"prompt_tokens":2,"completion_tokens":3}}`,
			wantContent:      "x",
			wantFinish:       FinishLength,
			wantInputTokens:  2,
			wantOutputTokens: 3,
			wantTotalTokens:  5,
		},
		{
			name:       "no choices yields empty content",
			body:       `{"choices":[]}`,
			wantFinish: "",
		},
		{
			name:        "tool calls finish maps to other",
			body:        `{"choices":[{"message":{"content":null},"finish_reason":"tool_calls"}]}`,
			wantContent: "",
			wantFinish:  FinishOther,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, err := provider.ParseResponse([]byte(tt.body), "gpt-4o-mini")
			if err != nil {
				t.Fatalf("ParseResponse() error: %v", err)
			}
			if resp.Content != tt.wantContent {
				t.Fatalf("content=%q, want %q", resp.Content, tt.wantContent)
			}
			if resp.FinishReason != tt.wantFinish {
				t.Fatalf("finish_reason=%q, want %q", resp.FinishReason, tt.wantFinish)
			}
			if resp.Usage.InputTokens != tt.wantInputTokens {
				t.Fatalf("input_tokens=%d, want %d", resp.Usage.InputTokens, tt.wantInputTokens)
			}
			if resp.Usage.OutputTokens != tt.wantOutputTokens {
				t.Fatalf("output_tokens=%d, want %d", resp.Usage.OutputTokens, tt.wantOutputTokens)
			}
			if resp.Usage.TotalTokens != tt.wantTotalTokens {
				t.Fatalf("total_tokens=%d, want %d", resp.Usage.TotalTokens, tt.wantTotalTokens)
			}
			if resp.ID == "" || resp.Created == 0 || resp.Model == "" {
				t.Fatalf("response defaults not filled: %+v", resp)
			}
		})
	}
}

func TestOpenAIProviderParseStreamChunk(t *testing.T) {
	t.Parallel()

	provider := OpenAIProvider{}

	tests := []struct {
		name    string
		data    string
		want    StreamChunkData
		wantErr bool
	}{
		{
			name: "role chunk starts stream",
			data: `{"model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":""}}]}`,
			want: StreamChunkData{Model: "gpt-4o", Start: true},
		},
		{
			name: "content delta",
			data: `{"model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
			want: StreamChunkData{Model: "gpt-4o", Delta: "Hel"},
		},
		{
			name: "finish reason",
			data: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			want: StreamChunkData{FinishReason: FinishStop},
		},
		{
			name: "usage chunk",
			data: `{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`,
			want: StreamChunkData{InputTokens: 4, OutputTokens: 6},
		},
		{
			name: "done marker",
			data: `[DONE]`,
			want: StreamChunkData{Done: true},
		},
		{
			name:    "malformed",
			data:    `{"choices":[`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := provider.ParseStreamChunk("", []byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseStreamChunk() error=nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStreamChunk() error: %v", err)
			}
			if *got != tt.want {
				t.Fatalf("chunk=%+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestEncodeChatCompletion(t *testing.T) {
	t.Parallel()

	body, err := EncodeChatCompletion(&ChatResponse{
		ID:           "chatcmpl-9",
		Created:      42,
		Model:        "claude-opus-4-1",
		Content:      "done",
		FinishReason: FinishStop,
		Usage:        Usage{InputTokens: 3, OutputTokens: 4},
	})
	if err != nil {
		t.Fatalf("EncodeChatCompletion() error: %v", err)
	}

	var payload struct {
		Object  string `json:"object"`
		Choices []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Object != "chat.completion" {
		t.Fatalf("object=%q", payload.Object)
	}
	if len(payload.Choices) != 1 || payload.Choices[0].Message.Role != RoleAssistant || payload.Choices[0].Message.Content != "done" {
		t.Fatalf("choices=%+v", payload.Choices)
	}
	if payload.Usage.TotalTokens != 7 {
		t.Fatalf("total_tokens=%d, want 7", payload.Usage.TotalTokens)
	}
}

func TestNewUpstreamError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "openai envelope", body: `{"error":{"message":"bad key","type":"invalid_request_error"}}`, want: "bad key"},
		{name: "anthropic envelope", body: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, want: "Overloaded"},
		{name: "gemini array envelope", body: `[{"error":{"code":400,"message":"API key not valid"}}]`, want: "API key not valid"},
		{name: "plain text", body: `upstream exploded`, want: "upstream exploded"},
		{name: "empty body", body: ``, want: "Bad Gateway"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := NewUpstreamError("openai", 502, []byte(tt.body))
			if got.Message != tt.want {
				t.Fatalf("message=%q, want %q", got.Message, tt.want)
			}
		})
	}
}

func TestRenderPromptAndEstimateTokens(t *testing.T) {
	t.Parallel()

	prompt := RenderPrompt([]Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}})
	if prompt != "system: be terse\nuser: hi" {
		t.Fatalf("prompt=%q", prompt)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens(empty)=%d, want 0", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("EstimateTokens(5 chars)=%d, want 2", got)
	}
}

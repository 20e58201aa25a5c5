package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

type GeminiProvider struct{}

func (GeminiProvider) Name() string       { return "gemini" }
func (GeminiProvider) Format() WireFormat { return FormatGemini }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func (GeminiProvider) NewRequest(ctx context.Context, baseURL string, req *ChatRequest, credential string) (*http.Request, error) {
	body, err := EncodeGeminiRequest(req)
	if err != nil {
		return nil, err
	}

	method := ":generateContent"
	if req.Stream {
		method = ":streamGenerateContent?alt=sse"
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/models/" + url.PathEscape(strings.TrimPrefix(req.Model, "models/")) + method

	upstream, err := newJSONRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	upstream.Header.Set("x-goog-api-key", credential)
	return upstream, nil
}

// EncodeGeminiRequest renders the canonical request as a generateContent
// body. The assistant role becomes "model" and the system message moves to
// systemInstruction.
func EncodeGeminiRequest(req *ChatRequest) ([]byte, error) {
	system, turns := SplitSystem(req.Messages)

	native := geminiRequest{Contents: make([]geminiContent, 0, len(turns))}
	for _, msg := range turns {
		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		native.Contents = append(native.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}
	if system != "" {
		native.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	config := geminiGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	if raw, ok := req.Extra["top_p"]; ok {
		var topP float64
		if err := json.Unmarshal(raw, &topP); err == nil {
			config.TopP = &topP
		}
	}
	config.StopSequences = decodeStopSequences(req.Extra)
	if config.MaxOutputTokens != nil || config.Temperature != nil || config.TopP != nil || len(config.StopSequences) > 0 {
		native.GenerationConfig = &config
	}

	body, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	return body, nil
}

func decodeStopSequences(extra map[string]json.RawMessage) []string {
	for _, key := range []string{"stop_sequences", "stop"} {
		raw, ok := extra[key]
		if !ok {
			continue
		}
		var many []string
		if err := json.Unmarshal(raw, &many); err == nil {
			return many
		}
		var one string
		if err := json.Unmarshal(raw, &one); err == nil && one != "" {
			return []string{one}
		}
	}
	return nil
}

func (GeminiProvider) ParseResponse(body []byte, model string) (*ChatResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode gemini response: invalid json")
	}
	parsed := gjson.ParseBytes(body)

	resp := &ChatResponse{
		ID:           parsed.Get("responseId").String(),
		Model:        parsed.Get("modelVersion").String(),
		Content:      geminiCandidateText(parsed),
		FinishReason: NormalizeFinishReason(parsed.Get("candidates.0.finishReason").String()),
		Usage: Usage{
			InputTokens:  int(parsed.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(parsed.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:  int(parsed.Get("usageMetadata.totalTokenCount").Int()),
		}.withTotal(),
		Raw: body,
	}
	if resp.ID != "" {
		resp.ID = "chatcmpl-" + resp.ID
	}
	fillResponseDefaults(resp, model)
	return resp, nil
}

// ParseStreamChunk handles one streamGenerateContent frame. Gemini has no
// explicit end event, so a finish reason marks the stream as done.
func (GeminiProvider) ParseStreamChunk(_ string, data []byte) (*StreamChunkData, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("malformed gemini chunk")
	}
	parsed := gjson.ParseBytes(data)
	if message := parsed.Get("error.message"); message.Exists() {
		return &StreamChunkData{Error: message.String(), Done: true}, nil
	}

	chunk := &StreamChunkData{
		Model:        parsed.Get("modelVersion").String(),
		Delta:        geminiCandidateText(parsed),
		InputTokens:  int(parsed.Get("usageMetadata.promptTokenCount").Int()),
		OutputTokens: int(parsed.Get("usageMetadata.candidatesTokenCount").Int()),
	}
	if reason := parsed.Get("candidates.0.finishReason").String(); reason != "" {
		chunk.FinishReason = NormalizeFinishReason(reason)
		chunk.Done = true
	}
	return chunk, nil
}

func geminiCandidateText(parsed gjson.Result) string {
	var text strings.Builder
	parsed.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})
	return text.String()
}

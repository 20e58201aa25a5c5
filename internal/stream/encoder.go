package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spanline/gateway/internal/providers"
)

// Encoder renders canonical stream signals in a client-facing wire format.
type Encoder interface {
	Format() providers.WireFormat
	// Begin opens the stream. It is called at most once, before any delta.
	Begin(w io.Writer, acc *Accumulator) error
	Delta(w io.Writer, text string) error
	// End writes the terminal chunk and the end marker.
	End(w io.Writer, acc *Accumulator) error
}

// NewEncoder returns the encoder for a client-facing format.
func NewEncoder(format providers.WireFormat, model string) (Encoder, error) {
	switch format {
	case providers.FormatOpenAI:
		return NewOpenAIEncoder(model), nil
	case providers.FormatAnthropic:
		return NewAnthropicEncoder(model), nil
	default:
		return nil, fmt.Errorf("no stream encoder for format %q", format)
	}
}

// OpenAIEncoder writes chat.completion.chunk frames ending in "data: [DONE]".
type OpenAIEncoder struct {
	id      string
	model   string
	created int64
}

func NewOpenAIEncoder(model string) *OpenAIEncoder {
	return &OpenAIEncoder{
		id:      providers.NewCompletionID("chatcmpl-"),
		model:   model,
		created: time.Now().Unix(),
	}
}

type openAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *openAIChunkUsage   `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int              `json:"index"`
	Delta        openAIChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type openAIChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openAIChunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (e *OpenAIEncoder) Format() providers.WireFormat { return providers.FormatOpenAI }

func (e *OpenAIEncoder) Begin(w io.Writer, acc *Accumulator) error {
	if acc != nil && acc.Model != "" {
		e.model = acc.Model
	}
	return e.write(w, openAIChunkDelta{Role: providers.RoleAssistant}, nil, nil)
}

func (e *OpenAIEncoder) Delta(w io.Writer, text string) error {
	return e.write(w, openAIChunkDelta{Content: text}, nil, nil)
}

func (e *OpenAIEncoder) End(w io.Writer, acc *Accumulator) error {
	reason := providers.FinishStop
	var usage *openAIChunkUsage
	if acc != nil {
		if acc.FinishReason == providers.FinishLength {
			reason = providers.FinishLength
		}
		if acc.InputTokens > 0 || acc.OutputTokens > 0 {
			usage = &openAIChunkUsage{
				PromptTokens:     acc.InputTokens,
				CompletionTokens: acc.OutputTokens,
				TotalTokens:      acc.InputTokens + acc.OutputTokens,
			}
		}
	}
	if err := e.write(w, openAIChunkDelta{}, &reason, usage); err != nil {
		return err
	}
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

func (e *OpenAIEncoder) write(w io.Writer, delta openAIChunkDelta, finish *string, usage *openAIChunkUsage) error {
	payload, err := json.Marshal(openAIChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openAIChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
	if err != nil {
		return fmt.Errorf("encode chat completion chunk: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// AnthropicEncoder writes the messages event sequence: message_start,
// content_block_start, content_block_delta..., content_block_stop,
// message_delta and message_stop.
type AnthropicEncoder struct {
	id    string
	model string
}

func NewAnthropicEncoder(model string) *AnthropicEncoder {
	return &AnthropicEncoder{
		id:    providers.NewCompletionID("msg_"),
		model: model,
	}
}

func (e *AnthropicEncoder) Format() providers.WireFormat { return providers.FormatAnthropic }

func (e *AnthropicEncoder) Begin(w io.Writer, acc *Accumulator) error {
	inputTokens := 0
	if acc != nil {
		inputTokens = acc.InputTokens
		if acc.Model != "" {
			e.model = acc.Model
		}
	}
	start := map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          providers.RoleAssistant,
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  inputTokens,
				"output_tokens": 0,
			},
		},
	}
	if err := writeEvent(w, "message_start", start); err != nil {
		return err
	}
	return writeEvent(w, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
}

func (e *AnthropicEncoder) Delta(w io.Writer, text string) error {
	return writeEvent(w, "content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

func (e *AnthropicEncoder) End(w io.Writer, acc *Accumulator) error {
	finish, outputTokens := "", 0
	if acc != nil {
		finish = acc.FinishReason
		outputTokens = acc.OutputTokens
	}
	if err := writeEvent(w, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	}); err != nil {
		return err
	}
	if err := writeEvent(w, "message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   providers.AnthropicStopReason(finish),
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return writeEvent(w, "message_stop", map[string]string{"type": "message_stop"})
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

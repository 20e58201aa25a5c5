package stream

import (
	"strings"

	"github.com/spanline/gateway/internal/providers"
)

// Accumulator collects what a single streamed call produced. It belongs to
// one relay invocation and is read by the dispatcher only after Run returns.
type Accumulator struct {
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	FinishReason     string
	// Done reports that the upstream signalled termination.
	Done bool
	// Err is the upstream's in-stream error message, if it sent one.
	Err string

	Frames  int
	Deltas  int
	Skipped int

	text strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply folds one parsed event into the running totals. Token counts only
// ever move up so a late partial usage report cannot erase an earlier one.
func (a *Accumulator) Apply(chunk *providers.StreamChunkData) {
	if chunk == nil {
		return
	}
	a.Frames++
	if chunk.Model != "" && a.Model == "" {
		a.Model = chunk.Model
	}
	if chunk.Delta != "" {
		a.text.WriteString(chunk.Delta)
		a.Deltas++
	}
	a.InputTokens = max(a.InputTokens, chunk.InputTokens)
	a.OutputTokens = max(a.OutputTokens, chunk.OutputTokens)
	a.CacheReadTokens = max(a.CacheReadTokens, chunk.CacheReadTokens)
	a.CacheWriteTokens = max(a.CacheWriteTokens, chunk.CacheWriteTokens)
	if chunk.FinishReason != "" {
		a.FinishReason = chunk.FinishReason
	}
	if chunk.Error != "" {
		a.Err = chunk.Error
	}
	if chunk.Done {
		a.Done = true
	}
}

func (a *Accumulator) Completion() string {
	return a.text.String()
}

// Usage returns the reported usage, estimating any side the upstream never
// reported from the prompt and completion text.
func (a *Accumulator) Usage(prompt string) providers.Usage {
	usage := providers.Usage{
		InputTokens:      a.InputTokens,
		OutputTokens:     a.OutputTokens,
		CacheReadTokens:  a.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens,
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = providers.EstimateTokens(prompt)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = providers.EstimateTokens(a.Completion())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

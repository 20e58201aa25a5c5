package stream

import (
	"testing"

	"github.com/spanline/gateway/internal/providers"
)

func TestAccumulatorKeepsHighestReportedUsage(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator()
	acc.Apply(&providers.StreamChunkData{Start: true, InputTokens: 12, OutputTokens: 1})
	acc.Apply(&providers.StreamChunkData{Delta: "abc"})
	acc.Apply(&providers.StreamChunkData{OutputTokens: 5, FinishReason: providers.FinishLength})
	acc.Apply(&providers.StreamChunkData{Done: true})

	usage := acc.Usage("ignored because reported")
	if usage.InputTokens != 12 || usage.OutputTokens != 5 || usage.TotalTokens != 17 {
		t.Fatalf("usage=%+v, want 12/5/17", usage)
	}
	if acc.FinishReason != providers.FinishLength || !acc.Done {
		t.Fatalf("finish=%q done=%v, want length/true", acc.FinishReason, acc.Done)
	}
}

func TestAccumulatorEstimatesMissingUsage(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator()
	acc.Apply(&providers.StreamChunkData{Delta: "Hello"})
	acc.Apply(&providers.StreamChunkData{Delta: " world!"})

	usage := acc.Usage("user: hi there")
	// ceil(14/4)=4 and ceil(12/4)=3
	if usage.InputTokens != 4 || usage.OutputTokens != 3 {
		t.Fatalf("usage=%+v, want estimated 4/3", usage)
	}
	if acc.Deltas != 2 || acc.Frames != 2 {
		t.Fatalf("deltas=%d frames=%d, want 2/2", acc.Deltas, acc.Frames)
	}
}

package trace

import (
	"sort"
	"time"
)

// TraceSummary aggregates every span that shares a trace id.
type TraceSummary struct {
	TraceID           string     `json:"trace_id"`
	SpanCount         int        `json:"span_count"`
	TotalDurationMS   int64      `json:"total_duration_ms"`
	TotalCostUSD      float64    `json:"total_cost_usd"`
	TotalInputTokens  int        `json:"total_input_tokens"`
	TotalOutputTokens int        `json:"total_output_tokens"`
	TotalTokens       int        `json:"total_tokens"`
	HasFailure        bool       `json:"has_failure"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type SpanNode struct {
	Span     *Span       `json:"span"`
	Children []*SpanNode `json:"children"`
}

// TraceView is an assembled trace: summary, parent/child forest and a flat
// list where every parent precedes its children.
type TraceView struct {
	Summary TraceSummary `json:"summary"`
	Roots   []*SpanNode  `json:"roots"`
	Spans   []*Span      `json:"spans"`
}

// Assemble builds a TraceView from the spans of one trace. Spans whose
// parent is not part of the set become roots.
func Assemble(traceID string, spans []*Span) *TraceView {
	ordered := make([]*Span, 0, len(spans))
	for _, span := range spans {
		if span != nil {
			ordered = append(ordered, span)
		}
	}
	SortSpanLineage(ordered)

	view := &TraceView{
		Summary: summarize(traceID, ordered),
		Roots:   make([]*SpanNode, 0),
		Spans:   ordered,
	}

	nodes := make(map[string]*SpanNode, len(ordered))
	position := make(map[string]int, len(ordered))
	// ordered is parent-before-child with start-time ties, so appending in
	// this order keeps siblings sorted by start.
	for i, span := range ordered {
		node := &SpanNode{Span: span, Children: make([]*SpanNode, 0)}
		parentPos, ok := position[span.ParentID]
		if span.ParentID == "" || !ok || parentPos >= i {
			view.Roots = append(view.Roots, node)
		} else {
			parent := nodes[span.ParentID]
			parent.Children = append(parent.Children, node)
		}
		if _, exists := nodes[span.ID]; !exists {
			nodes[span.ID] = node
			position[span.ID] = i
		}
	}
	return view
}

func summarize(traceID string, spans []*Span) TraceSummary {
	summary := TraceSummary{TraceID: traceID, SpanCount: len(spans)}
	for _, span := range spans {
		summary.TotalDurationMS += span.DurationMS
		summary.TotalCostUSD += span.CostUSD
		summary.TotalInputTokens += span.InputTokens
		summary.TotalOutputTokens += span.OutputTokens
		if span.Status == StatusFailed {
			summary.HasFailure = true
		}
		if summary.StartedAt.IsZero() || span.StartedAt.Before(summary.StartedAt) {
			summary.StartedAt = span.StartedAt
		}
		if span.CompletedAt != nil && (summary.CompletedAt == nil || span.CompletedAt.After(*summary.CompletedAt)) {
			completed := *span.CompletedAt
			summary.CompletedAt = &completed
		}
	}
	summary.TotalTokens = summary.TotalInputTokens + summary.TotalOutputTokens
	return summary
}

// SortSpanLineage orders spans so every parent precedes its children, with
// start time then id as the deterministic tie-break.
func SortSpanLineage(items []*Span) {
	if len(items) < 2 {
		return
	}

	index := make(map[string]int, len(items))
	for i, item := range items {
		if _, exists := index[item.ID]; !exists {
			index[item.ID] = i
		}
	}

	indegree := make([]int, len(items))
	children := make([][]int, len(items))
	for i, item := range items {
		if item.ParentID == "" {
			continue
		}
		parentIdx, ok := index[item.ParentID]
		if !ok || parentIdx == i {
			continue
		}
		indegree[i]++
		children[parentIdx] = append(children[parentIdx], i)
	}

	less := func(a, b int) bool {
		left, right := items[a], items[b]
		if !left.StartedAt.Equal(right.StartedAt) {
			return left.StartedAt.Before(right.StartedAt)
		}
		if left.ID != right.ID {
			return left.ID < right.ID
		}
		return a < b
	}

	candidates := make([]int, 0, len(items))
	for i := range items {
		if indegree[i] == 0 {
			candidates = append(candidates, i)
		}
	}

	order := make([]int, 0, len(items))
	processed := make([]bool, len(items))
	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
		idx := candidates[0]
		candidates = candidates[1:]
		if processed[idx] {
			continue
		}
		processed[idx] = true
		order = append(order, idx)

		for _, child := range children[idx] {
			indegree[child]--
			if indegree[child] == 0 {
				candidates = append(candidates, child)
			}
		}
	}

	// Cycles cannot be created through Open, but a hand-edited store could
	// hold one; keep those spans rather than losing them.
	if len(order) < len(items) {
		remainder := make([]int, 0, len(items)-len(order))
		for i := range items {
			if !processed[i] {
				remainder = append(remainder, i)
			}
		}
		sort.Slice(remainder, func(i, j int) bool { return less(remainder[i], remainder[j]) })
		order = append(order, remainder...)
	}

	sorted := make([]*Span, len(order))
	for i, idx := range order {
		sorted[i] = items[idx]
	}
	copy(items, sorted)
}

package pricing

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spanline/gateway/internal/providers"
)

func TestTableLookup(t *testing.T) {
	t.Parallel()

	table, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}

	tests := []struct {
		name        string
		model       string
		wantKey     string
		wantMatched bool
	}{
		{name: "exact", model: "gpt-4o-mini", wantKey: "gpt-4o-mini", wantMatched: true},
		{name: "case and whitespace", model: "  GPT-4o  ", wantKey: "gpt-4o", wantMatched: true},
		{name: "dated suffix prefers longest key", model: "gpt-4o-mini-2024-07-18", wantKey: "gpt-4o-mini", wantMatched: true},
		{name: "dated claude", model: "claude-sonnet-4-20250514", wantKey: "claude-sonnet-4", wantMatched: true},
		{name: "resource prefixed gemini", model: "models/gemini-1.5-pro", wantKey: "gemini-1.5-pro", wantMatched: true},
		{name: "model contained in key", model: "mixtral-8x7b", wantKey: "mixtral-8x7b-32768", wantMatched: true},
		{name: "unknown", model: "totally-unknown", wantKey: "", wantMatched: false},
		{name: "empty", model: "", wantKey: "", wantMatched: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, key, matched := table.Lookup(tt.model)
			if matched != tt.wantMatched {
				t.Fatalf("matched=%v, want %v", matched, tt.wantMatched)
			}
			if key != tt.wantKey {
				t.Fatalf("key=%q, want %q", key, tt.wantKey)
			}
		})
	}
}

func TestTableCost(t *testing.T) {
	t.Parallel()

	table, err := New(map[string]Rates{
		"claude-sonnet-4": {InputPer1M: 3, OutputPer1M: 15},
	}, Rates{InputPer1M: 1, OutputPer1M: 2})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		name  string
		model string
		usage providers.Usage
		want  float64
	}{
		{
			name:  "plain input and output",
			model: "claude-sonnet-4-20250514",
			usage: providers.Usage{InputTokens: 1000, OutputTokens: 500},
			want:  0.003 + 0.0075,
		},
		{
			name:  "cache read at ten percent and write at one and a quarter",
			model: "claude-sonnet-4",
			usage: providers.Usage{InputTokens: 1000, OutputTokens: 0, CacheReadTokens: 10000, CacheWriteTokens: 2000},
			want:  0.003 + 0.003 + 0.0075,
		},
		{
			name:  "unknown model uses fallback",
			model: "mystery-model",
			usage: providers.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  3,
		},
		{
			name:  "zero usage",
			model: "claude-sonnet-4",
			want:  0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := table.Quote(tt.model, tt.usage).CostUSD
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("cost=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestTableCostExplicitCacheRates(t *testing.T) {
	t.Parallel()

	read, write := 0.5, 4.0
	table, err := New(map[string]Rates{
		"claude-opus-4-1": {InputPer1M: 15, OutputPer1M: 75, CacheReadPer1M: &read, CacheWritePer1M: &write},
	}, Rates{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	got := table.Quote("claude-opus-4-1", providers.Usage{CacheReadTokens: 1_000_000, CacheWriteTokens: 1_000_000}).CostUSD
	if math.Abs(got-4.5) > 1e-9 {
		t.Fatalf("cost=%v, want 4.5", got)
	}
}

func TestTableCostMonotonic(t *testing.T) {
	t.Parallel()

	table, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}

	counts := []int{0, 1, 7, 100, 4096, 250_000}
	for _, model := range []string{"gpt-4o", "claude-opus-4-1", "gemini-2.0-flash", "unknown-model"} {
		for _, a := range counts {
			for _, b := range counts {
				for _, a2 := range counts {
					for _, b2 := range counts {
						if a > a2 || b > b2 {
							continue
						}
						if table.Cost(model, a, b) > table.Cost(model, a2, b2) {
							t.Fatalf("cost(%s,%d,%d) > cost(%s,%d,%d)", model, a, b, model, a2, b2)
						}
					}
				}
			}
		}
	}
}

func TestNewRejectsNegativeRates(t *testing.T) {
	t.Parallel()

	if _, err := New(map[string]Rates{"gpt-4o": {InputPer1M: -1}}, Rates{}); err == nil {
		t.Fatal("New() error=nil, want negative rate error")
	}
	if _, err := New(nil, Rates{OutputPer1M: math.NaN()}); err == nil {
		t.Fatal("New() error=nil, want invalid fallback error")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte("models:\n  gpt-4o: {input: 1, output: 1}\n  in-house-7b: {input: 0.01, output: 0.02}\n"), 0o600); err != nil {
		t.Fatalf("write price file: %v", err)
	}

	table, err := Load(path, Rates{InputPer1M: DefaultInputPer1M, OutputPer1M: DefaultOutputPer1M})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := table.Cost("gpt-4o", 1_000_000, 0); math.Abs(got-1) > 1e-9 {
		t.Fatalf("overridden gpt-4o cost=%v, want 1", got)
	}
	if _, _, ok := table.Lookup("in-house-7b"); !ok {
		t.Fatal("Lookup(in-house-7b) missing after overlay")
	}
	if _, _, ok := table.Lookup("claude-opus-4-1"); !ok {
		t.Fatal("Lookup(claude-opus-4-1) missing, want embedded entries kept")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte("models:\n  gpt-4o: {input: 1, outptu: 1}\n"), 0o600); err != nil {
		t.Fatalf("write price file: %v", err)
	}
	if _, err := Load(path, Rates{}); err == nil {
		t.Fatal("Load() error=nil, want unknown field error")
	}
}

func TestModelsSorted(t *testing.T) {
	t.Parallel()

	table, err := New(map[string]Rates{"b": {}, "a": {}, "ccc": {}}, Rates{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	got := table.Models()
	want := []string{"a", "b", "ccc"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("models=%v, want %v", got, want)
		}
	}
}

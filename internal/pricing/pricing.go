package pricing

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/spanline/gateway/internal/providers"
	"gopkg.in/yaml.v3"
)

const (
	tokensPerUnit        = 1_000_000
	cacheReadMultiplier  = 0.10
	cacheWriteMultiplier = 1.25
	DefaultInputPer1M    = 3.0
	DefaultOutputPer1M   = 15.0
)

//go:embed default_prices.yaml
var defaultPricesYAML []byte

// Rates are USD per 1M tokens.
type Rates struct {
	InputPer1M      float64  `yaml:"input"`
	OutputPer1M     float64  `yaml:"output"`
	CacheReadPer1M  *float64 `yaml:"cache_read,omitempty"`
	CacheWritePer1M *float64 `yaml:"cache_write,omitempty"`
}

type tableFile struct {
	Models map[string]Rates `yaml:"models"`
}

// Table is an immutable model cost table. Build it once at startup and share
// it read-only.
type Table struct {
	entries  map[string]Rates
	keys     []string
	fallback Rates
}

// Quote is the outcome of pricing one call.
type Quote struct {
	CostUSD float64
	Key     string
	Matched bool
}

// New validates entries and builds a table. Unknown models are charged at
// fallback.
func New(entries map[string]Rates, fallback Rates) (*Table, error) {
	if err := validateRates("default", fallback); err != nil {
		return nil, err
	}

	table := &Table{
		entries:  make(map[string]Rates, len(entries)),
		keys:     make([]string, 0, len(entries)),
		fallback: fallback,
	}
	for key, rates := range entries {
		key = normalizeModel(key)
		if key == "" {
			return nil, errors.New("pricing: empty model key")
		}
		if err := validateRates(key, rates); err != nil {
			return nil, err
		}
		table.entries[key] = rates
		table.keys = append(table.keys, key)
	}
	// Longest key first so substring matching prefers the most specific entry.
	sort.Slice(table.keys, func(i, j int) bool {
		if len(table.keys[i]) != len(table.keys[j]) {
			return len(table.keys[i]) > len(table.keys[j])
		}
		return table.keys[i] < table.keys[j]
	})
	return table, nil
}

// Default returns the embedded table with the mid-tier fallback rate.
func Default() (*Table, error) {
	entries, err := Parse(defaultPricesYAML)
	if err != nil {
		return nil, fmt.Errorf("parse embedded prices: %w", err)
	}
	return New(entries, Rates{InputPer1M: DefaultInputPer1M, OutputPer1M: DefaultOutputPer1M})
}

// Load builds the embedded table overlaid with the entries in path, if any.
func Load(path string, fallback Rates) (*Table, error) {
	entries, err := Parse(defaultPricesYAML)
	if err != nil {
		return nil, fmt.Errorf("parse embedded prices: %w", err)
	}

	path = strings.TrimSpace(path)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read price table %q: %w", path, err)
		}
		overlay, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse price table %q: %w", path, err)
		}
		for key, rates := range overlay {
			entries[key] = rates
		}
	}
	return New(entries, fallback)
}

// Parse decodes a YAML price table document.
func Parse(raw []byte) (map[string]Rates, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	var file tableFile
	if err := decoder.Decode(&file); err != nil {
		return nil, err
	}
	if file.Models == nil {
		file.Models = map[string]Rates{}
	}
	return file.Models, nil
}

// Lookup finds rates for model: exact key first, then the longest key that
// contains or is contained by the model name.
func (t *Table) Lookup(model string) (Rates, string, bool) {
	model = normalizeModel(model)
	if model == "" {
		return t.fallback, "", false
	}
	if rates, ok := t.entries[model]; ok {
		return rates, model, true
	}
	for _, key := range t.keys {
		if strings.Contains(model, key) || strings.Contains(key, model) {
			return t.entries[key], key, true
		}
	}
	return t.fallback, "", false
}

// Cost prices plain input and output token counts.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	return t.Quote(model, providers.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}).CostUSD
}

// Quote prices a usage record including cache reads and writes.
func (t *Table) Quote(model string, usage providers.Usage) Quote {
	rates, key, matched := t.Lookup(model)

	cacheRead := rates.InputPer1M * cacheReadMultiplier
	if rates.CacheReadPer1M != nil {
		cacheRead = *rates.CacheReadPer1M
	}
	cacheWrite := rates.InputPer1M * cacheWriteMultiplier
	if rates.CacheWritePer1M != nil {
		cacheWrite = *rates.CacheWritePer1M
	}

	cost := perUnit(usage.InputTokens, rates.InputPer1M) +
		perUnit(usage.OutputTokens, rates.OutputPer1M) +
		perUnit(usage.CacheReadTokens, cacheRead) +
		perUnit(usage.CacheWriteTokens, cacheWrite)
	return Quote{CostUSD: cost, Key: key, Matched: matched}
}

// Models lists the table keys in alphabetical order.
func (t *Table) Models() []string {
	models := make([]string, len(t.keys))
	copy(models, t.keys)
	sort.Strings(models)
	return models
}

func perUnit(tokens int, ratePer1M float64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) * ratePer1M / tokensPerUnit
}

func validateRates(key string, rates Rates) error {
	values := []float64{rates.InputPer1M, rates.OutputPer1M}
	if rates.CacheReadPer1M != nil {
		values = append(values, *rates.CacheReadPer1M)
	}
	if rates.CacheWritePer1M != nil {
		values = append(values, *rates.CacheWritePer1M)
	}
	for _, value := range values {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("pricing: model %q has an invalid rate %v", key, value)
		}
	}
	return nil
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spanline/gateway/internal/config"
	"github.com/spanline/gateway/internal/trace"
	"github.com/spanline/gateway/migrations"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// spanStore is a SpanStore that also exposes its database handle.
type spanStore interface {
	trace.SpanStore
	DB() *sql.DB
}

func openSpanStore(cfg config.Config) (spanStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeSpanStoreWithWarning(store trace.SpanStore, errOut io.Writer) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close span store: %v\n", err)
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}
	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	if _, _, err := loadAndValidateConfig(*configPath); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  spanline config validate [--config path/to/spanline.yaml]")
}

type showOptions struct {
	id     string
	format string
	cfg    config.Config
}

// parseShowArgs accepts "show <id>" with flags before or after the id.
func parseShowArgs(command string, args []string, errOut io.Writer) (showOptions, int) {
	if len(args) == 0 || args[0] != "show" {
		fmt.Fprintf(errOut, "Usage:\n  spanline %s show <id> [--config path/to/spanline.yaml] [--format text|json]\n", command)
		return showOptions{}, 2
	}
	args = args[1:]

	flagSet := flag.NewFlagSet(command+" show", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", "text", "Output format: text or json")

	var positional []string
	for len(args) > 0 {
		if err := flagSet.Parse(args); err != nil {
			return showOptions{}, 2
		}
		if flagSet.NArg() == 0 {
			break
		}
		positional = append(positional, flagSet.Arg(0))
		args = flagSet.Args()[1:]
	}
	if len(positional) != 1 {
		fmt.Fprintf(errOut, "%s show expects exactly one id\n", command)
		return showOptions{}, 2
	}

	normalized, err := normalizeTextJSONFormat(command+" show", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return showOptions{}, 2
	}
	cfg, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return showOptions{}, 1
	}
	return showOptions{id: positional[0], format: normalized, cfg: cfg}, 0
}

func runTrace(args []string, out io.Writer, errOut io.Writer) int {
	opts, code := parseShowArgs("trace", args, errOut)
	if code != 0 {
		return code
	}
	store, err := openSpanStore(opts.cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open span store: %v\n", err)
		return 1
	}
	defer closeSpanStoreWithWarning(store, errOut)

	view, err := trace.NewLedger(store, trace.LedgerOptions{}).AssembleTrace(context.Background(), opts.id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			fmt.Fprintf(errOut, "trace %q not found\n", opts.id)
			return 1
		}
		fmt.Fprintf(errOut, "failed to load trace: %v\n", err)
		return 1
	}
	if opts.format == "json" {
		return writeJSONOutput(out, errOut, view)
	}

	summary := view.Summary
	fmt.Fprintf(out, "trace %s\n", summary.TraceID)
	fmt.Fprintf(out, "spans=%d duration_ms=%d cost_usd=%.6f tokens=%d/%d failed=%t\n\n",
		summary.SpanCount, summary.TotalDurationMS, summary.TotalCostUSD,
		summary.TotalInputTokens, summary.TotalOutputTokens, summary.HasFailure)
	for _, root := range view.Roots {
		printSpanTree(out, root, 0)
	}
	return 0
}

func printSpanTree(out io.Writer, node *trace.SpanNode, depth int) {
	span := node.Span
	fmt.Fprintf(out, "%s%s  %-7s %s/%s  %dms  $%.6f\n",
		strings.Repeat("  ", depth), span.ID, span.Status, span.Provider, span.Model, span.DurationMS, span.CostUSD)
	for _, child := range node.Children {
		printSpanTree(out, child, depth+1)
	}
}

func runSpan(args []string, out io.Writer, errOut io.Writer) int {
	opts, code := parseShowArgs("span", args, errOut)
	if code != 0 {
		return code
	}
	store, err := openSpanStore(opts.cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open span store: %v\n", err)
		return 1
	}
	defer closeSpanStoreWithWarning(store, errOut)

	span, err := store.GetSpan(context.Background(), opts.id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			fmt.Fprintf(errOut, "span %q not found\n", opts.id)
			return 1
		}
		fmt.Fprintf(errOut, "failed to load span: %v\n", err)
		return 1
	}
	if opts.format == "json" {
		return writeJSONOutput(out, errOut, span)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", span.ID)
	fmt.Fprintf(tw, "trace\t%s\n", span.TraceID)
	if span.ParentID != "" {
		fmt.Fprintf(tw, "parent\t%s\n", span.ParentID)
	}
	fmt.Fprintf(tw, "status\t%s\n", span.Status)
	fmt.Fprintf(tw, "provider\t%s\n", span.Provider)
	fmt.Fprintf(tw, "model\t%s\n", span.Model)
	fmt.Fprintf(tw, "tokens\t%d in / %d out\n", span.InputTokens, span.OutputTokens)
	fmt.Fprintf(tw, "cost_usd\t%.6f\n", span.CostUSD)
	fmt.Fprintf(tw, "duration_ms\t%d\n", span.DurationMS)
	if span.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", span.Error)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "\nprompt:\n%s\n\ncompletion:\n%s\n", span.Prompt, span.Completion)
	return 0
}

func runMigrate(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "status" {
		fmt.Fprintln(errOut, "Usage:\n  spanline migrate status [--config path/to/spanline.yaml]")
		return 2
	}
	flagSet := flag.NewFlagSet("migrate status", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}
	store, err := openSpanStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open span store: %v\n", err)
		return 1
	}
	defer closeSpanStoreWithWarning(store, errOut)

	report, err := migrations.Report(context.Background(), store.DB(), cfg.Storage.Driver)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read migrations: %v\n", err)
		return 1
	}
	for _, status := range report {
		state := "pending"
		if status.Applied {
			state = "applied"
		}
		fmt.Fprintf(out, "%-8s %s\n", state, status.Name)
	}
	return 0
}

func writeJSONOutput(out io.Writer, errOut io.Writer, payload any) int {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		fmt.Fprintf(errOut, "failed to encode output: %v\n", err)
		return 1
	}
	return 0
}

package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spanline/gateway/internal/config"
	"github.com/spanline/gateway/internal/correlation"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger from cfg. Records go to stdout and,
// when cfg.File is set, to a size-rotated file. The returned closer releases
// the file sink and is safe to call when no file is configured.
func NewLogger(cfg config.LoggingConfig, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var closer io.Closer = nopCloser{}
	out := stdout
	if strings.TrimSpace(cfg.File) != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		closer = rotated
		out = io.MultiWriter(stdout, rotated)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return slog.New(NewContextLogHandler(handler)), closer, nil
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", raw)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// contextLogHandler stamps each record with the request id and the active
// OpenTelemetry span found in ctx. The OTel ids are logged as otel_trace_id
// and otel_span_id so they never collide with gateway span lineage fields.
type contextLogHandler struct {
	inner slog.Handler
}

// NewContextLogHandler wraps inner. If inner is nil, slog.Default().Handler()
// is used.
func NewContextLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &contextLogHandler{inner: inner}
}

func (h *contextLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		if requestID, ok := correlation.FromContext(ctx); ok {
			record.AddAttrs(slog.String("request_id", requestID))
		}
		span := oteltrace.SpanFromContext(ctx)
		if sc := span.SpanContext(); sc.IsValid() && span.IsRecording() {
			record.AddAttrs(
				slog.String("otel_trace_id", sc.TraceID().String()),
				slog.String("otel_span_id", sc.SpanID().String()),
			)
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *contextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextLogHandler) WithGroup(name string) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithGroup(name)}
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spanline/gateway/internal/auth"
	"github.com/spanline/gateway/internal/config"
	"github.com/spanline/gateway/internal/correlation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "spanline.gateway"
	// spanIDHeader is set by the proxy once a ledger span is open.
	spanIDHeader = "X-Spanline-Span-ID"
)

// Runtime exposes OpenTelemetry HTTP wrappers and gateway metric hooks. A
// zero Runtime is valid and records nothing.
type Runtime struct {
	enabled bool

	touchDroppedCounter metric.Int64Counter
	touchFailedCounter  metric.Int64Counter
	spanClosedCounter   metric.Int64Counter
	spanCostCounter     metric.Float64Counter
	spanTokensCounter   metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	target, err := newExportTarget(cfg)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		tracerProvider, err := target.tracerProvider(ctx, cfg.SamplingRatio, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}
	if cfg.MetricsEnabled {
		interval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
		meterProvider, err := target.meterProvider(ctx, interval, res)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, err
		}
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.registerInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info("opentelemetry enabled",
			"otel_endpoint", target.endpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return runtime, nil
}

// exportTarget is the OTLP/HTTP collector both signal exporters talk to.
type exportTarget struct {
	endpoint string
	insecure bool
	timeout  time.Duration
}

func newExportTarget(cfg config.OTelConfig) (exportTarget, error) {
	endpoint, plainHTTP, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return exportTarget{}, err
	}
	target := exportTarget{
		endpoint: endpoint,
		insecure: cfg.Insecure,
		timeout:  time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}
	// An explicit scheme wins over the insecure toggle.
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		target.insecure = plainHTTP
	}
	return target, nil
}

// tracerProvider exports spans through the credential scrubber, sampling
// by trace id unless the caller's parent decided already.
func (t exportTarget) tracerProvider(ctx context.Context, ratio float64, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.endpoint), otlptracehttp.WithTimeout(t.timeout)}
	if t.insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(newScrubbingExporter(exporter)),
	), nil
}

func (t exportTarget) meterProvider(ctx context.Context, interval time.Duration, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(t.endpoint), otlpmetrichttp.WithTimeout(t.timeout)}
	if t.insecure {
		options = append(options, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval), sdkmetric.WithTimeout(t.timeout))
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

func (r *Runtime) registerInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.touchDroppedCounter, err = meter.Int64Counter(
		"spanline.account.touch_dropped_total",
		metric.WithDescription("Account last-seen updates dropped because the touch queue was full."),
	)
	warn("spanline.account.touch_dropped_total", err)

	r.touchFailedCounter, err = meter.Int64Counter(
		"spanline.account.touch_failed_total",
		metric.WithDescription("Account last-seen updates lost after storage write failures."),
	)
	warn("spanline.account.touch_failed_total", err)

	r.spanClosedCounter, err = meter.Int64Counter(
		"spanline.span.closed_total",
		metric.WithDescription("Spans moved to a terminal status."),
	)
	warn("spanline.span.closed_total", err)

	r.spanCostCounter, err = meter.Float64Counter(
		"spanline.span.cost_usd_total",
		metric.WithDescription("Computed USD cost of proxied calls."),
		metric.WithUnit("USD"),
	)
	warn("spanline.span.cost_usd_total", err)

	r.spanTokensCounter, err = meter.Int64Counter(
		"spanline.span.tokens_total",
		metric.WithDescription("Tokens consumed by proxied calls."),
	)
	warn("spanline.span.tokens_total", err)
}

func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"gateway.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds caller attributes and marks 5xx responses
// as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &spanStatusWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if status := recorder.status(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
		}

		attrs := make([]attribute.KeyValue, 0, 5)
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("gateway.correlation_id", correlationID))
		}
		if spanID := strings.TrimSpace(recorder.Header().Get(spanIDHeader)); spanID != "" {
			attrs = append(attrs, attribute.String("gateway.span_id", spanID))
		}
		if identity, ok := auth.IdentityFromContext(req.Context()); ok {
			if keyID := strings.TrimSpace(identity.KeyID); keyID != "" {
				attrs = append(attrs, attribute.String("gateway.key_id", keyID))
			}
			if role := strings.TrimSpace(identity.Role); role != "" {
				attrs = append(attrs, attribute.String("gateway.role", role))
			}
			if provider := strings.TrimSpace(identity.Provider); provider != "" {
				attrs = append(attrs, attribute.String("gateway.credential_provider", provider))
			}
		}
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "upstream " + normalizedMethod(req.Method) + " " + req.URL.Host
		}),
	)
}

// RecordTouchDrop counts an account touch rejected by a full queue.
func (r *Runtime) RecordTouchDrop() {
	if !r.Enabled() || r.touchDroppedCounter == nil {
		return
	}
	r.touchDroppedCounter.Add(context.Background(), 1)
}

// RecordTouchFailure counts account touches lost to a store error.
func (r *Runtime) RecordTouchFailure(errorClass string, count int) {
	if !r.Enabled() || count <= 0 || r.touchFailedCounter == nil {
		return
	}
	r.touchFailedCounter.Add(
		context.Background(),
		int64(count),
		metric.WithAttributes(attribute.String("error_class", strings.TrimSpace(errorClass))),
	)
}

// RecordSpanClosed records the outcome, cost and tokens of one finalized
// span.
func (r *Runtime) RecordSpanClosed(provider, status string, costUSD float64, inputTokens, outputTokens int) {
	if !r.Enabled() {
		return
	}
	ctx := context.Background()
	providerAttr := attribute.String("provider", strings.TrimSpace(provider))
	if r.spanClosedCounter != nil {
		r.spanClosedCounter.Add(ctx, 1, metric.WithAttributes(providerAttr, attribute.String("status", status)))
	}
	if r.spanCostCounter != nil && costUSD > 0 {
		r.spanCostCounter.Add(ctx, costUSD, metric.WithAttributes(providerAttr))
	}
	if r.spanTokensCounter != nil {
		if inputTokens > 0 {
			r.spanTokensCounter.Add(ctx, int64(inputTokens), metric.WithAttributes(providerAttr, attribute.String("direction", "input")))
		}
		if outputTokens > 0 {
			r.spanTokensCounter.Add(ctx, int64(outputTokens), metric.WithAttributes(providerAttr, attribute.String("direction", "output")))
		}
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath keeps span names low-cardinality.
func routePatternForPath(path string) string {
	switch {
	case path == "/v1/chat/completions", path == "/v1/messages", path == "/v1/models":
		return path
	case strings.HasPrefix(path, "/api/spans/"):
		return "/api/spans/{id}"
	case strings.HasPrefix(path, "/api/traces/"):
		return "/api/traces/{id}"
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return path
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

// spanStatusWriter remembers the first status code so the enrichment
// middleware can flag server errors on the request span.
type spanStatusWriter struct {
	http.ResponseWriter
	code int
}

// Unwrap lets http.ResponseController reach deadlines and hijacking on the
// underlying writer.
func (w *spanStatusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *spanStatusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *spanStatusWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

// Flush keeps streamed relays flushing without a controller round trip.
func (w *spanStatusWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *spanStatusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

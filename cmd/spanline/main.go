package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spanline/gateway/internal/api"
	"github.com/spanline/gateway/internal/auth"
	"github.com/spanline/gateway/internal/config"
	"github.com/spanline/gateway/internal/limits"
	"github.com/spanline/gateway/internal/observability"
	"github.com/spanline/gateway/internal/pricing"
	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/proxy"
	"github.com/spanline/gateway/internal/replay"
	"github.com/spanline/gateway/internal/stream"
	"github.com/spanline/gateway/internal/trace"
	"github.com/spanline/gateway/internal/version"
)

const defaultConfigPath = "spanline.yaml"

const touchWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "trace":
		return runTrace(args[1:], os.Stdout, os.Stderr)
	case "span":
		return runSpan(args[1:], os.Stdout, os.Stderr)
	case "migrate":
		return runMigrate(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger, logCloser, err := observability.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := openSpanStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close span store", "error", err)
		}
	}()

	gw, err := newGatewayApp(cfg, store, logger, otelRuntime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure gateway: %v\n", err)
		return 1
	}
	gw.touches.Start(context.Background())
	defer shutdownTouchWriter(logger, gw.touches, touchWriterShutdownTimeout)

	server := newGatewayServer(cfg, logger, gw.handler)
	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"providers", gw.registry.Names(),
		"priced_models", len(gw.pricing.Models()),
		"config_path", *configPath,
		"require_gateway_key", cfg.Auth.RequireGatewayKey,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("gateway stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway failed", "error", err)
			return 1
		}
		return 0
	}
}

// gatewayApp is the fully wired request path, minus the listener.
type gatewayApp struct {
	handler  http.Handler
	ledger   *trace.Ledger
	touches  *trace.TouchWriter
	registry *providers.Registry
	pricing  *pricing.Table
}

func newGatewayApp(cfg config.Config, store trace.SpanStore, logger *slog.Logger, otelRuntime *observability.Runtime) (*gatewayApp, error) {
	registry := providers.DefaultRegistry().WithEndpoints(cfg.Providers.Upstreams())
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	table, err := pricing.Load(cfg.Pricing.File, pricing.Rates{
		InputPer1M:  cfg.Pricing.DefaultInputPer1M,
		OutputPer1M: cfg.Pricing.DefaultOutputPer1M,
	})
	if err != nil {
		return nil, err
	}
	authenticator, err := auth.NewAuthenticator(auth.Options{
		Header:            cfg.Auth.Header,
		RequireGatewayKey: cfg.Auth.RequireGatewayKey,
		Keys:              authKeysFromConfig(cfg.Auth.Keys),
		ProviderKeys:      cfg.Providers.APIKeys(),
	}, registry)
	if err != nil {
		return nil, err
	}

	touches := trace.NewTouchWriter(store, trace.TouchWriterOptions{
		QueueSize:     cfg.Tracing.TouchQueueSize,
		BatchSize:     cfg.Tracing.TouchBatchSize,
		FlushInterval: cfg.Tracing.TouchFlush,
		Hooks: trace.TouchHooks{
			OnDrop: otelRuntime.RecordTouchDrop,
			OnFailure: func(failure trace.TouchFailure) {
				logger.Warn("account touch write failed",
					"account_id", failure.AccountID,
					"error_class", failure.ErrorClass,
					"error", failure.Err,
				)
				otelRuntime.RecordTouchFailure(failure.ErrorClass, 1)
			},
		},
	})
	ledger := trace.NewLedger(store, trace.LedgerOptions{Touches: touches, Logger: logger})
	limiter := limits.NewAccountLimiter(limits.Policy{
		RequestsPerSecond: cfg.Limits.RequestsPerSecond,
		Burst:             cfg.Limits.Burst,
	})
	stats := stream.NewStats()

	dispatcher, err := proxy.NewDispatcher(proxy.DispatcherOptions{
		Registry:         registry,
		Pricing:          table,
		Ledger:           ledger,
		Client:           newUpstreamClient(cfg, otelRuntime),
		Stats:            stats,
		Telemetry:        otelRuntime,
		Logger:           logger,
		SlowThreshold:    cfg.Tracing.SlowThreshold,
		CaptureSnapshots: cfg.Tracing.CaptureSnapshots,
	})
	if err != nil {
		return nil, err
	}
	gateway, err := proxy.NewGateway(proxy.GatewayOptions{
		Dispatcher:    dispatcher,
		Authenticator: authenticator,
		Limiter:       limiter,
		Logger:        logger,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}
	engine, err := replay.NewEngine(replay.Options{
		Ledger:     ledger,
		Registry:   registry,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	gateway.Register(mux)
	mux.Handle("/api/", api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Ledger:        ledger,
		Authenticator: authenticator,
		Replayer:      engine,
		Touches:       touches,
		StreamStats:   stats,
		Limiter:       limiter,
		Logger:        logger,
	}))

	var handler http.Handler = mux
	handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	handler = otelRuntime.WrapHTTPHandler(handler)
	return &gatewayApp{
		handler:  handler,
		ledger:   ledger,
		touches:  touches,
		registry: registry,
		pricing:  table,
	}, nil
}

func newUpstreamClient(cfg config.Config, otelRuntime *observability.Runtime) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Providers.ResponseHeaderTimeout
	return &http.Client{Transport: otelRuntime.WrapHTTPTransport(transport)}
}

func newGatewayServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           proxy.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func authKeysFromConfig(keys []config.GatewayKeyConfig) []auth.KeyConfig {
	out := make([]auth.KeyConfig, 0, len(keys))
	for _, key := range keys {
		out = append(out, auth.KeyConfig{
			ID:          key.ID,
			Name:        key.Name,
			Token:       key.Token,
			TokenHash:   key.TokenHash,
			Role:        key.Role,
			Permissions: append([]string(nil), key.Permissions...),
		})
	}
	return out
}

func shutdownTouchWriter(logger *slog.Logger, touches *trace.TouchWriter, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := touches.Shutdown(ctx); err != nil {
		logger.Warn("touch writer did not drain before shutdown", "error", err, "queued", touches.QueueLen())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry", "error", err)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  spanline serve [--config path/to/spanline.yaml]")
	fmt.Fprintln(out, "  spanline version")
	fmt.Fprintln(out, "  spanline config validate [--config path/to/spanline.yaml]")
	fmt.Fprintln(out, "  spanline trace show <trace-id> [--config path/to/spanline.yaml] [--format text|json]")
	fmt.Fprintln(out, "  spanline span show <span-id> [--config path/to/spanline.yaml] [--format text|json]")
	fmt.Fprintln(out, "  spanline migrate status [--config path/to/spanline.yaml]")
}

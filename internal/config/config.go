package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "spanline-gateway"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Auth          AuthConfig          `yaml:"auth"`
	Limits        LimitsConfig        `yaml:"limits"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds whole responses, streams included. Zero disables it.
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ProvidersConfig struct {
	OpenAI     ProviderConfig `yaml:"openai"`
	Anthropic  ProviderConfig `yaml:"anthropic"`
	Gemini     ProviderConfig `yaml:"gemini"`
	Groq       ProviderConfig `yaml:"groq"`
	OpenRouter ProviderConfig `yaml:"openrouter"`

	// ResponseHeaderTimeout bounds the wait for upstream headers. Zero waits
	// for as long as the client stays connected.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

type ProviderConfig struct {
	// Upstream overrides the built-in endpoint, e.g. for a regional mirror.
	Upstream string `yaml:"upstream"`
	// APIKey is used for gateway-key callers that bring no credential.
	APIKey   string `yaml:"api_key"`
}

func (c ProvidersConfig) byName() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     c.OpenAI,
		"anthropic":  c.Anthropic,
		"gemini":     c.Gemini,
		"groq":       c.Groq,
		"openrouter": c.OpenRouter,
	}
}

func (c *ProvidersConfig) ref(name string) *ProviderConfig {
	switch name {
	case "openai":
		return &c.OpenAI
	case "anthropic":
		return &c.Anthropic
	case "gemini":
		return &c.Gemini
	case "groq":
		return &c.Groq
	case "openrouter":
		return &c.OpenRouter
	}
	return nil
}

// Upstreams returns the configured endpoint overrides keyed by provider.
func (c ProvidersConfig) Upstreams() map[string]string {
	out := map[string]string{}
	for name, provider := range c.byName() {
		if upstream := strings.TrimSpace(provider.Upstream); upstream != "" {
			out[name] = upstream
		}
	}
	return out
}

// APIKeys returns the configured fallback credentials keyed by provider.
func (c ProvidersConfig) APIKeys() map[string]string {
	out := map[string]string{}
	for name, provider := range c.byName() {
		if key := strings.TrimSpace(provider.APIKey); key != "" {
			out[name] = key
		}
	}
	return out
}

type PricingConfig struct {
	// File overlays the built-in cost table.
	File               string  `yaml:"file"`
	DefaultInputPer1M  float64 `yaml:"default_input_per_1m"`
	DefaultOutputPer1M float64 `yaml:"default_output_per_1m"`
}

type TracingConfig struct {
	SlowThreshold    time.Duration `yaml:"slow_threshold"`
	CaptureSnapshots bool          `yaml:"capture_snapshots"`
	TouchQueueSize   int           `yaml:"touch_queue_size"`
	TouchBatchSize   int           `yaml:"touch_batch_size"`
	TouchFlush       time.Duration `yaml:"touch_flush_interval"`
}

type AuthConfig struct {
	RequireGatewayKey bool               `yaml:"require_gateway_key"`
	Header            string             `yaml:"header"`
	Keys              []GatewayKeyConfig `yaml:"keys"`
}

type GatewayKeyConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	TokenHash   string   `yaml:"token_hash"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

type LimitsConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables a rotated file sink next to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownGrace:     15 * time.Second,
			MaxBodyBytes:      8 << 20,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/spanline.db",
		},
		Pricing: PricingConfig{
			DefaultInputPer1M:  3,
			DefaultOutputPer1M: 15,
		},
		Tracing: TracingConfig{
			SlowThreshold:    30 * time.Second,
			CaptureSnapshots: true,
			TouchQueueSize:   256,
			TouchBatchSize:   64,
			TouchFlush:       time.Second,
		},
		Auth: AuthConfig{
			Header: "X-Spanline-Key",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := decodeStrict(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if trailing != nil {
		return errors.New("multiple yaml documents are not supported")
	}
	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0 (got %d)", cfg.Server.MaxBodyBytes)
	}
	for name, value := range map[string]time.Duration{
		"server.read_header_timeout":        cfg.Server.ReadHeaderTimeout,
		"server.read_timeout":               cfg.Server.ReadTimeout,
		"server.write_timeout":              cfg.Server.WriteTimeout,
		"server.idle_timeout":               cfg.Server.IdleTimeout,
		"server.shutdown_grace":             cfg.Server.ShutdownGrace,
		"providers.response_header_timeout": cfg.Providers.ResponseHeaderTimeout,
		"tracing.slow_threshold":            cfg.Tracing.SlowThreshold,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative (got %s)", name, value)
		}
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	names := make([]string, 0, 5)
	for name := range cfg.Providers.byName() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateUpstream("providers."+name, cfg.Providers.byName()[name].Upstream); err != nil {
			return err
		}
	}

	if cfg.Pricing.DefaultInputPer1M < 0 || cfg.Pricing.DefaultOutputPer1M < 0 {
		return errors.New("pricing.default_input_per_1m and pricing.default_output_per_1m must not be negative")
	}

	if cfg.Tracing.TouchQueueSize <= 0 {
		return fmt.Errorf("tracing.touch_queue_size must be > 0 (got %d)", cfg.Tracing.TouchQueueSize)
	}
	if cfg.Tracing.TouchBatchSize <= 0 {
		return fmt.Errorf("tracing.touch_batch_size must be > 0 (got %d)", cfg.Tracing.TouchBatchSize)
	}
	if cfg.Tracing.TouchFlush <= 0 {
		return fmt.Errorf("tracing.touch_flush_interval must be > 0 (got %s)", cfg.Tracing.TouchFlush)
	}

	if err := validateAuth(cfg.Auth); err != nil {
		return err
	}

	if cfg.Limits.RequestsPerSecond < 0 {
		return fmt.Errorf("limits.requests_per_second must not be negative (got %f)", cfg.Limits.RequestsPerSecond)
	}
	if cfg.Limits.Burst < 0 {
		return fmt.Errorf("limits.burst must not be negative (got %d)", cfg.Limits.Burst)
	}

	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	return validateOTelConfig(cfg.Observability.OTel)
}

func validateUpstream(name, upstream string) error {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return nil
	}
	parsed, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("parse %s.upstream: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s.upstream must include scheme and host (got %q)", name, upstream)
	}
	return nil
}

func validateAuth(cfg AuthConfig) error {
	if strings.TrimSpace(cfg.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	if cfg.RequireGatewayKey && len(cfg.Keys) == 0 {
		return errors.New("auth.keys must not be empty when auth.require_gateway_key=true")
	}
	seen := map[string]bool{}
	for idx, key := range cfg.Keys {
		name := fmt.Sprintf("auth.keys[%d]", idx)
		id := strings.TrimSpace(key.ID)
		if id == "" {
			return fmt.Errorf("%s.id is required", name)
		}
		if seen[id] {
			return fmt.Errorf("%s.id %q is duplicated", name, id)
		}
		seen[id] = true
		hasToken := strings.TrimSpace(key.Token) != ""
		hasHash := strings.TrimSpace(key.TokenHash) != ""
		if hasToken == hasHash {
			return fmt.Errorf("%s must set exactly one of token, token_hash", name)
		}
		if hasHash && len(strings.TrimSpace(key.TokenHash)) != 64 {
			return fmt.Errorf("%s.token_hash must be a hex sha256 digest", name)
		}
	}
	return nil
}

func validateLogging(cfg LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of json, text (got %q)", cfg.Format)
	}
	if strings.TrimSpace(cfg.File) != "" && cfg.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be > 0 when logging.file is set (got %d)", cfg.MaxSizeMB)
	}
	if cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return errors.New("logging.max_backups and logging.max_age_days must not be negative")
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(name string, dst *string) {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*dst = value
		}
	}

	setString("SPANLINE_HOST", &cfg.Server.Host)
	if port := os.Getenv("SPANLINE_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SPANLINE_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	setString("SPANLINE_STORAGE_DRIVER", &cfg.Storage.Driver)
	setString("SPANLINE_STORAGE_PATH", &cfg.Storage.Path)
	setString("SPANLINE_STORAGE_DSN", &cfg.Storage.DSN)

	for _, name := range []string{"openai", "anthropic", "gemini", "groq", "openrouter"} {
		provider := cfg.Providers.ref(name)
		prefix := "SPANLINE_" + strings.ToUpper(name)
		setString(prefix+"_UPSTREAM", &provider.Upstream)
		setString(prefix+"_API_KEY", &provider.APIKey)
	}

	setString("SPANLINE_PRICING_FILE", &cfg.Pricing.File)

	if slow := os.Getenv("SPANLINE_SLOW_THRESHOLD"); slow != "" {
		v, err := time.ParseDuration(slow)
		if err != nil {
			return fmt.Errorf("invalid SPANLINE_SLOW_THRESHOLD: %w", err)
		}
		cfg.Tracing.SlowThreshold = v
	}
	if capture := os.Getenv("SPANLINE_CAPTURE_SNAPSHOTS"); capture != "" {
		v, err := strconv.ParseBool(capture)
		if err != nil {
			return fmt.Errorf("invalid SPANLINE_CAPTURE_SNAPSHOTS: %w", err)
		}
		cfg.Tracing.CaptureSnapshots = v
	}

	if require := os.Getenv("SPANLINE_REQUIRE_GATEWAY_KEY"); require != "" {
		v, err := strconv.ParseBool(require)
		if err != nil {
			return fmt.Errorf("invalid SPANLINE_REQUIRE_GATEWAY_KEY: %w", err)
		}
		cfg.Auth.RequireGatewayKey = v
	}
	setString("SPANLINE_AUTH_HEADER", &cfg.Auth.Header)

	if rps := os.Getenv("SPANLINE_RATE_LIMIT_RPS"); rps != "" {
		v, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid SPANLINE_RATE_LIMIT_RPS: %w", err)
		}
		cfg.Limits.RequestsPerSecond = v
	}

	setString("SPANLINE_LOG_LEVEL", &cfg.Logging.Level)
	setString("SPANLINE_LOG_FORMAT", &cfg.Logging.Format)
	setString("SPANLINE_LOG_FILE", &cfg.Logging.File)

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if exporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); exporter != "" {
		enabled, err := otelExporterEnabled(exporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		configured = true
	}
	if exporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); exporter != "" {
		enabled, err := otelExporterEnabled(exporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		configured = true
	}
	if ratio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); ratio != "" {
		v, err := strconv.ParseFloat(ratio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	if timeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		configured = true
	}
	if interval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); interval != "" {
		v, err := strconv.Atoi(interval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		configured = true
	}
	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spanline/gateway/internal/observability"
	"github.com/spanline/gateway/internal/pricing"
	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/stream"
	"github.com/spanline/gateway/internal/trace"
	"github.com/spanline/gateway/internal/version"
)

// Lineage headers.
const (
	HeaderTraceID  = "X-Spanline-Trace-ID"
	HeaderParentID = "X-Spanline-Parent-ID"
	HeaderSpanID   = "X-Spanline-Span-ID"
)

const (
	EndpointChat     = "chat"
	EndpointMessages = "messages"
)

const (
	defaultSlowThreshold = 30 * time.Second
	maxUpstreamErrorBody = 64 * 1024
	clientGoneMessage    = "client disconnected"
)

type DispatcherOptions struct {
	Registry  *providers.Registry
	Pricing   *pricing.Table
	Ledger    *trace.Ledger
	Client    *http.Client
	Stats     *stream.Stats
	Telemetry *observability.Runtime
	Logger    *slog.Logger
	// SlowThreshold marks successful calls that took longer as slow.
	SlowThreshold    time.Duration
	CaptureSnapshots bool
	Now              func() time.Time
}

// Dispatcher sends one canonical request upstream and owns the span for it
// from open to close.
type Dispatcher struct {
	registry         *providers.Registry
	pricing          *pricing.Table
	ledger           *trace.Ledger
	client           *http.Client
	stats            *stream.Stats
	telemetry        *observability.Runtime
	logger           *slog.Logger
	slowThreshold    time.Duration
	captureSnapshots bool
	now              func() time.Time
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("dispatcher: provider registry is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("dispatcher: span ledger is required")
	}
	if opts.Pricing == nil {
		table, err := pricing.Default()
		if err != nil {
			return nil, fmt.Errorf("dispatcher: load default pricing: %w", err)
		}
		opts.Pricing = table
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: opts.Telemetry.WrapHTTPTransport(http.DefaultTransport)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = defaultSlowThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		registry:         opts.Registry,
		pricing:          opts.Pricing,
		ledger:           opts.Ledger,
		client:           opts.Client,
		stats:            opts.Stats,
		telemetry:        opts.Telemetry,
		logger:           opts.Logger,
		slowThreshold:    opts.SlowThreshold,
		captureSnapshots: opts.CaptureSnapshots,
		now:              opts.Now,
	}, nil
}

// Call is one resolved request ready for dispatch.
type Call struct {
	Account      *trace.Account
	Provider     providers.Provider
	Credential   string
	Request      *providers.ChatRequest
	ClientFormat providers.WireFormat
	Endpoint     string
	TraceID      string
	ParentID     string
	// Span, when set, is an already running span to finalize instead of
	// opening a new one.
	Span *trace.Span
}

// outcome is what finalization needs from either dispatch path.
type outcome struct {
	completion string
	usage      providers.Usage
	model      string
	err        error
}

// Dispatch writes the client response and closes the span exactly once. It
// returns the closed span, or an error when no span could be opened.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, call Call) (*trace.Span, error) {
	ctx := r.Context()
	req := call.Request
	prompt := providers.RenderPrompt(req.Messages)

	span := call.Span
	if span == nil {
		snapshot := ""
		if d.captureSnapshots {
			var err error
			if snapshot, err = req.Snapshot(); err != nil {
				d.logger.WarnContext(ctx, "request snapshot skipped", "error", err)
				snapshot = ""
			}
		}
		opened, err := d.ledger.Open(ctx, trace.OpenParams{
			AccountID: call.Account.ID,
			Provider:  call.Provider.Name(),
			Model:     req.Model,
			Endpoint:  call.Endpoint,
			Streaming: req.Stream,
			Prompt:    prompt,
			TraceID:   call.TraceID,
			ParentID:  call.ParentID,
			Snapshot:  snapshot,
		})
		if err != nil {
			return nil, err
		}
		span = opened
	}

	w.Header().Set(HeaderSpanID, span.ID)
	w.Header().Set(HeaderTraceID, span.TraceID)

	started := d.now()
	var result outcome
	if req.Stream {
		result = d.streamCall(w, r, call, prompt)
	} else {
		result = d.singleCall(w, r, call, prompt)
	}
	return d.finalize(ctx, span, call, result, d.now().Sub(started))
}

func (d *Dispatcher) send(ctx context.Context, call Call) (*http.Response, error) {
	baseURL, err := d.registry.Endpoint(call.Provider.Name())
	if err != nil {
		return nil, err
	}
	upstreamReq, err := call.Provider.NewRequest(ctx, baseURL, call.Request, call.Credential)
	if err != nil {
		return nil, err
	}
	upstreamReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.client.Do(upstreamReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", stream.ErrClientGone, ctxErr)
		}
		return nil, fmt.Errorf("%s upstream request: %w", call.Provider.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
		_ = resp.Body.Close()
		return nil, providers.NewUpstreamError(call.Provider.Name(), resp.StatusCode, body)
	}
	return resp, nil
}

func (d *Dispatcher) singleCall(w http.ResponseWriter, r *http.Request, call Call, prompt string) outcome {
	model := call.Request.Model
	resp, err := d.send(r.Context(), call)
	if err != nil {
		d.writeUpstreamFailure(w, call.ClientFormat, err)
		return outcome{model: model, err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return outcome{model: model, err: fmt.Errorf("%w: %v", stream.ErrClientGone, ctxErr)}
		}
		err = fmt.Errorf("read %s response: %w", call.Provider.Name(), err)
		d.writeUpstreamFailure(w, call.ClientFormat, err)
		return outcome{model: model, err: err}
	}
	parsed, err := call.Provider.ParseResponse(body, model)
	if err != nil {
		d.writeUpstreamFailure(w, call.ClientFormat, err)
		return outcome{model: model, err: err}
	}

	usage := parsed.Usage
	if usage.InputTokens == 0 {
		usage.InputTokens = providers.EstimateTokens(prompt)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = providers.EstimateTokens(parsed.Content)
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	result := outcome{completion: parsed.Content, usage: usage, model: parsed.Model}

	var out []byte
	switch {
	case call.Provider.Format() == call.ClientFormat:
		out = body
	case call.ClientFormat == providers.FormatAnthropic:
		out, err = providers.EncodeMessagesResponse(parsed)
	default:
		out, err = providers.EncodeChatCompletion(parsed)
	}
	if err != nil {
		result.err = fmt.Errorf("encode response: %w", err)
		d.writeUpstreamFailure(w, call.ClientFormat, result.err)
		return result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		result.err = fmt.Errorf("%w: %v", stream.ErrClientGone, err)
	}
	return result
}

func (d *Dispatcher) streamCall(w http.ResponseWriter, r *http.Request, call Call, prompt string) outcome {
	model := call.Request.Model
	encoder, err := stream.NewEncoder(call.ClientFormat, model)
	if err != nil {
		d.writeUpstreamFailure(w, call.ClientFormat, err)
		return outcome{model: model, err: err}
	}
	resp, err := d.send(r.Context(), call)
	if err != nil {
		d.writeUpstreamFailure(w, call.ClientFormat, err)
		return outcome{model: model, err: err}
	}
	defer resp.Body.Close()

	acc := stream.NewAccumulator()
	relay := &stream.Relay{
		Provider: call.Provider,
		Encoder:  encoder,
		Stats:    d.stats,
		Logger:   d.logger,
	}
	err = relay.Run(r.Context(), resp.Body, w, acc)
	if err == nil && acc.Err != "" {
		err = fmt.Errorf("%s stream error: %s", call.Provider.Name(), acc.Err)
	}
	if err == nil && !acc.Done {
		d.logger.WarnContext(r.Context(), "upstream stream ended without a terminal event",
			"provider", call.Provider.Name(),
			"model", model,
		)
	}
	if acc.Model != "" {
		model = acc.Model
	}
	return outcome{
		completion: acc.Completion(),
		usage:      acc.Usage(prompt),
		model:      model,
		err:        err,
	}
}

func (d *Dispatcher) finalize(ctx context.Context, span *trace.Span, call Call, result outcome, elapsed time.Duration) (*trace.Span, error) {
	quote := d.pricing.Quote(result.model, result.usage)
	if !quote.Matched {
		d.logger.DebugContext(ctx, "no pricing entry for model, using default rate", "model", result.model)
	}

	status := trace.StatusSuccess
	errText := ""
	switch {
	case errors.Is(result.err, stream.ErrClientGone):
		status = trace.StatusFailed
		errText = clientGoneMessage
	case result.err != nil:
		status = trace.StatusFailed
		errText = observability.ScrubCredentials(result.err.Error())
	case elapsed > d.slowThreshold:
		status = trace.StatusSlow
	}

	closeResult := trace.Result{
		Status:       status,
		Completion:   result.completion,
		InputTokens:  result.usage.InputTokens,
		OutputTokens: result.usage.OutputTokens,
		CostUSD:      quote.CostUSD,
		Duration:     elapsed,
		Error:        errText,
	}
	// The ledger write must survive a caller that already hung up.
	if err := d.ledger.Close(context.WithoutCancel(ctx), span.ID, closeResult); err != nil {
		return span, fmt.Errorf("close span %q: %w", span.ID, err)
	}
	d.telemetry.RecordSpanClosed(call.Provider.Name(), string(status), quote.CostUSD, closeResult.InputTokens, closeResult.OutputTokens)

	level := slog.LevelInfo
	if status == trace.StatusFailed {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "span closed",
		"span_id", span.ID,
		"trace_id", span.TraceID,
		"provider", call.Provider.Name(),
		"model", result.model,
		"status", string(status),
		"input_tokens", closeResult.InputTokens,
		"output_tokens", closeResult.OutputTokens,
		"cost_usd", quote.CostUSD,
		"duration_ms", elapsed.Milliseconds(),
		"error", errText,
	)

	span.Status = status
	span.Completion = closeResult.Completion
	span.InputTokens = closeResult.InputTokens
	span.OutputTokens = closeResult.OutputTokens
	span.CostUSD = closeResult.CostUSD
	span.DurationMS = elapsed.Milliseconds()
	span.Error = errText
	return span, nil
}

// writeUpstreamFailure answers 502 in the client's error envelope. It is only
// called before any response bytes are written.
func (d *Dispatcher) writeUpstreamFailure(w http.ResponseWriter, format providers.WireFormat, err error) {
	writeError(w, format, http.StatusBadGateway, "upstream_error", observability.ScrubCredentials(err.Error()))
}

package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/proxy"
	"github.com/spanline/gateway/internal/trace"
)

var (
	ErrForbidden = errors.New("span belongs to another account")
	// ErrPendingOverride rejects a prompt override when replaying a pending
	// span, whose prompt was fixed when it was created.
	ErrPendingOverride = errors.New("pending span prompt cannot be overridden")
)

// Dispatcher is the proxy path a replayed request goes through.
type Dispatcher interface {
	Dispatch(w http.ResponseWriter, r *http.Request, call proxy.Call) (*trace.Span, error)
}

type Options struct {
	Ledger     *trace.Ledger
	Registry   *providers.Registry
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

type Engine struct {
	ledger     *trace.Ledger
	registry   *providers.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Ledger == nil || opts.Registry == nil || opts.Dispatcher == nil {
		return nil, errors.New("replay engine: ledger, registry and dispatcher are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		ledger:     opts.Ledger,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
	}, nil
}

func (e *Engine) source(ctx context.Context, account *trace.Account, spanID string) (*trace.Span, error) {
	if account == nil {
		return nil, ErrForbidden
	}
	span, err := e.ledger.Get(ctx, spanID)
	if err != nil {
		return nil, err
	}
	if span.AccountID != account.ID {
		return nil, ErrForbidden
	}
	return span, nil
}

// Retry records a pending child of spanID in the same trace. A non-empty
// prompt replaces the original messages. Nothing is sent upstream until the
// new span is replayed.
func (e *Engine) Retry(ctx context.Context, account *trace.Account, spanID, prompt string) (*trace.Span, error) {
	source, err := e.source(ctx, account, spanID)
	if err != nil {
		return nil, err
	}
	req, err := BuildRequest(source)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) != "" {
		if req, err = withPrompt(req, prompt); err != nil {
			return nil, err
		}
	}
	snapshot, err := req.Snapshot()
	if err != nil {
		return nil, err
	}

	span, err := e.ledger.Open(ctx, trace.OpenParams{
		AccountID: account.ID,
		Provider:  source.Provider,
		Model:     req.Model,
		Endpoint:  source.Endpoint,
		Streaming: req.Stream,
		Prompt:    providers.RenderPrompt(req.Messages),
		TraceID:   source.TraceID,
		ParentID:  source.ID,
		Snapshot:  snapshot,
		Deferred:  true,
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "retry span created", "span_id", span.ID, "parent_id", source.ID, "trace_id", span.TraceID)
	return span, nil
}

// Replay re-sends the request behind spanID with credential and writes the
// proxied response to w. A pending span is started and finalized in place;
// any other span gets a new child.
func (e *Engine) Replay(w http.ResponseWriter, r *http.Request, account *trace.Account, credential, spanID, prompt string) (*trace.Span, error) {
	ctx := r.Context()
	source, err := e.source(ctx, account, spanID)
	if err != nil {
		return nil, err
	}
	override := strings.TrimSpace(prompt) != ""
	if source.Status == trace.StatusPending && override {
		return nil, ErrPendingOverride
	}

	provider, ok := e.registry.Get(source.Provider)
	if !ok {
		return nil, fmt.Errorf("replay span %q: %w: %q", source.ID, providers.ErrUnknownProvider, source.Provider)
	}
	req, err := BuildRequest(source)
	if err != nil {
		return nil, err
	}
	if override {
		if req, err = withPrompt(req, prompt); err != nil {
			return nil, err
		}
	}

	call := proxy.Call{
		Account:      account,
		Provider:     provider,
		Credential:   credential,
		Request:      req,
		ClientFormat: clientFormat(source.Endpoint),
		Endpoint:     source.Endpoint,
	}
	if source.Status == trace.StatusPending {
		started, err := e.ledger.Start(ctx, source.ID)
		if err != nil {
			return nil, fmt.Errorf("start pending span %q: %w", source.ID, err)
		}
		call.Span = started
	} else {
		call.TraceID = source.TraceID
		call.ParentID = source.ID
	}
	return e.dispatcher.Dispatch(w, r, call)
}

func clientFormat(endpoint string) providers.WireFormat {
	if endpoint == proxy.EndpointMessages {
		return providers.FormatAnthropic
	}
	return providers.FormatOpenAI
}

package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const defaultErrorLimit = 512

type LedgerOptions struct {
	// Touches receives account last-seen updates. When nil, touches are
	// written synchronously.
	Touches    *TouchWriter
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
	ErrorLimit int
}

// Ledger owns the span lifecycle: open, optionally start, and close exactly
// once.
type Ledger struct {
	store      SpanStore
	touches    *TouchWriter
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	errorLimit int
}

func NewLedger(store SpanStore, opts LedgerOptions) *Ledger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.ErrorLimit <= 0 {
		opts.ErrorLimit = defaultErrorLimit
	}
	return &Ledger{
		store:      store,
		touches:    opts.Touches,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
		errorLimit: opts.ErrorLimit,
	}
}

// OpenParams describes a call about to be dispatched.
type OpenParams struct {
	AccountID string
	Provider  string
	Model     string
	Endpoint  string
	Streaming bool
	Prompt    string
	TraceID   string
	ParentID  string
	Snapshot  string
	// Deferred opens the span as pending; Start moves it to running.
	Deferred bool
}

// Result is the outcome handed to Close.
type Result struct {
	Status       Status
	Completion   string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
	Error        string
}

func (l *Ledger) Open(ctx context.Context, params OpenParams) (*Span, error) {
	if strings.TrimSpace(params.AccountID) == "" {
		return nil, fmt.Errorf("open span: account id is required")
	}

	traceID := strings.TrimSpace(params.TraceID)
	parentID := strings.TrimSpace(params.ParentID)
	if parentID != "" {
		parent, err := l.store.GetSpan(ctx, parentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %q", ErrParentNotFound, parentID)
			}
			return nil, fmt.Errorf("load parent span %q: %w", parentID, err)
		}
		if parent.AccountID != params.AccountID {
			return nil, fmt.Errorf("%w: %q", ErrParentNotFound, parentID)
		}
		if traceID != "" && traceID != parent.TraceID {
			l.logger.Warn("trace id does not match parent span, using parent trace",
				"requested_trace_id", traceID,
				"parent_trace_id", parent.TraceID,
				"parent_id", parentID,
			)
		}
		traceID = parent.TraceID
	}
	if traceID == "" {
		traceID = l.newID()
	}

	status := StatusRunning
	if params.Deferred {
		status = StatusPending
	}
	span := &Span{
		ID:              l.newID(),
		AccountID:       params.AccountID,
		TraceID:         traceID,
		ParentID:        parentID,
		Status:          status,
		Provider:        params.Provider,
		Model:           params.Model,
		Endpoint:        params.Endpoint,
		Streaming:       params.Streaming,
		Prompt:          params.Prompt,
		RequestSnapshot: params.Snapshot,
		StartedAt:       l.now().UTC(),
	}
	if err := l.store.InsertSpan(ctx, span); err != nil {
		return nil, err
	}
	return span, nil
}

// Start moves a pending span to running and resets its start time.
func (l *Ledger) Start(ctx context.Context, id string) (*Span, error) {
	if err := l.store.MarkRunning(ctx, id, l.now().UTC()); err != nil {
		return nil, err
	}
	return l.store.GetSpan(ctx, id)
}

// Close writes the terminal state of a running span. A second Close, or a
// Close of a span that was never started, returns ErrNotFound.
func (l *Ledger) Close(ctx context.Context, id string, result Result) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("close span %q: %w: %q", id, ErrInvalidStatus, result.Status)
	}

	update := TerminalUpdate{
		Status:       result.Status,
		DurationMS:   result.Duration.Milliseconds(),
		CostUSD:      result.CostUSD,
		Completion:   result.Completion,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Error:        truncateUTF8(result.Error, l.errorLimit),
		CompletedAt:  l.now().UTC(),
	}
	if err := l.store.UpdateSpanTerminal(ctx, id, update); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		l.logger.Error("span finalize failed",
			"span_id", id,
			"status", string(result.Status),
			"error_class", ClassifyWriteError(err),
			"error", err,
		)
		return err
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*Span, error) {
	return l.store.GetSpan(ctx, id)
}

func (l *Ledger) List(ctx context.Context, filter SpanFilter) ([]*Span, error) {
	return l.store.ListSpans(ctx, filter)
}

// AssembleTrace returns ErrNotFound when no span carries traceID.
func (l *Ledger) AssembleTrace(ctx context.Context, traceID string) (*TraceView, error) {
	spans, err := l.store.ListSpansByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, ErrNotFound
	}
	return Assemble(traceID, spans), nil
}

// ResolveAccount returns the account for a credential hash, creating it on
// first sight, and records that it was seen now.
func (l *Ledger) ResolveAccount(ctx context.Context, credentialHash, provider string) (*Account, error) {
	account, err := l.store.GetOrCreateAccount(ctx, credentialHash, provider)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	if l.touches != nil {
		if !l.touches.Enqueue(Touch{AccountID: account.ID, At: now}) {
			l.logger.Debug("account touch dropped", "account_id", account.ID)
		}
	} else if err := l.store.TouchAccount(ctx, account.ID, now); err != nil {
		l.logger.Warn("account touch failed", "account_id", account.ID, "error", err)
	}
	if now.After(account.LastSeenAt) {
		account.LastSeenAt = now
	}
	return account, nil
}

func truncateUTF8(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

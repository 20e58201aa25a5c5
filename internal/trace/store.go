package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("span store record not found")
var ErrParentNotFound = errors.New("parent span not found")
var ErrInvalidStatus = errors.New("span status is invalid")

// SpanStore is the persistence boundary the ledger depends on. Every method
// is a single-row atomic operation; no cross-span transactions are required.
type SpanStore interface {
	InsertSpan(ctx context.Context, span *Span) error
	// MarkRunning moves a pending span to running. It returns ErrNotFound
	// when the span is missing or not pending.
	MarkRunning(ctx context.Context, id string, at time.Time) error
	// UpdateSpanTerminal writes the terminal state only if the span is
	// currently running, and returns ErrNotFound otherwise.
	UpdateSpanTerminal(ctx context.Context, id string, update TerminalUpdate) error
	GetSpan(ctx context.Context, id string) (*Span, error)
	ListSpansByTrace(ctx context.Context, traceID string) ([]*Span, error)
	ListSpans(ctx context.Context, filter SpanFilter) ([]*Span, error)
	// GetOrCreateAccount resolves the account for a credential hash,
	// inserting it on first sight. Concurrent first use yields one row.
	GetOrCreateAccount(ctx context.Context, credentialHash, provider string) (*Account, error)
	TouchAccount(ctx context.Context, id string, at time.Time) error
	Close() error
}

package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestLedger(t *testing.T) (*Ledger, *SQLiteStore) {
	t.Helper()

	store := newSQLiteTestStore(t)
	clock := &steppingClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	var (
		idMu sync.Mutex
		next int
	)
	ledger := NewLedger(store, LedgerOptions{
		Now: clock.Now,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			next++
			return fmt.Sprintf("id-%03d", next)
		},
	})
	return ledger, store
}

func mustAccount(t *testing.T, ledger *Ledger, hash string) *Account {
	t.Helper()
	account, err := ledger.ResolveAccount(context.Background(), hash, "openai")
	if err != nil {
		t.Fatalf("ResolveAccount() error: %v", err)
	}
	return account
}

func TestLedgerOpenAssignsTraceAndInheritsFromParent(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := mustAccount(t, ledger, "hash-open")

	root, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Provider: "openai", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Open(root) error: %v", err)
	}
	if root.TraceID == "" || root.Status != StatusRunning {
		t.Fatalf("root span=%+v, want generated trace id and running status", root)
	}

	child, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Provider: "openai", Model: "gpt-4o", ParentID: root.ID})
	if err != nil {
		t.Fatalf("Open(child) error: %v", err)
	}
	if child.TraceID != root.TraceID {
		t.Fatalf("child trace=%q, want parent trace %q", child.TraceID, root.TraceID)
	}

	explicit, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o", TraceID: "client-trace"})
	if err != nil {
		t.Fatalf("Open(explicit trace) error: %v", err)
	}
	if explicit.TraceID != "client-trace" {
		t.Fatalf("trace=%q, want client-trace", explicit.TraceID)
	}
}

func TestLedgerOpenRejectsUnknownOrForeignParent(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	owner := mustAccount(t, ledger, "hash-owner")
	other := mustAccount(t, ledger, "hash-other")

	if _, err := ledger.Open(ctx, OpenParams{AccountID: owner.ID, Model: "gpt-4o", ParentID: "nope"}); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("Open(unknown parent) error=%v, want ErrParentNotFound", err)
	}

	parent, err := ledger.Open(ctx, OpenParams{AccountID: owner.ID, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Open(parent) error: %v", err)
	}
	if _, err := ledger.Open(ctx, OpenParams{AccountID: other.ID, Model: "gpt-4o", ParentID: parent.ID}); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("Open(foreign parent) error=%v, want ErrParentNotFound", err)
	}
}

func TestLedgerCloseIsExactlyOnce(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := mustAccount(t, ledger, "hash-close")
	span, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	result := Result{Status: StatusSuccess, Completion: "ok", InputTokens: 4, OutputTokens: 1, Duration: 250 * time.Millisecond}
	if err := ledger.Close(ctx, span.ID, result); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := ledger.Close(ctx, span.ID, Result{Status: StatusFailed, Error: "late"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Close() error=%v, want ErrNotFound", err)
	}
	if err := ledger.Close(ctx, span.ID, Result{Status: StatusPending}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Close(pending) error=%v, want ErrInvalidStatus", err)
	}

	got, err := ledger.Get(ctx, span.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusSuccess || got.DurationMS != 250 || got.Error != "" {
		t.Fatalf("span=%+v, want first close to stick", got)
	}
}

func TestLedgerCloseTruncatesErrorOnRuneBoundary(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := mustAccount(t, ledger, "hash-trunc")
	span, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	long := strings.Repeat("é", 400)
	if err := ledger.Close(ctx, span.ID, Result{Status: StatusFailed, Error: long}); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	got, err := ledger.Get(ctx, span.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(got.Error) != defaultErrorLimit {
		t.Fatalf("error length=%d, want %d", len(got.Error), defaultErrorLimit)
	}
	if !strings.HasPrefix(long, got.Error) {
		t.Fatal("truncated error is not a prefix of the original")
	}
}

func TestLedgerDeferredSpanStartsBeforeClose(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := mustAccount(t, ledger, "hash-deferred")
	span, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o", Deferred: true})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if span.Status != StatusPending {
		t.Fatalf("status=%q, want pending", span.Status)
	}
	if err := ledger.Close(ctx, span.ID, Result{Status: StatusSuccess}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Close(pending) error=%v, want ErrNotFound", err)
	}

	started, err := ledger.Start(ctx, span.ID)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if started.Status != StatusRunning || !started.StartedAt.After(span.StartedAt) {
		t.Fatalf("started=%+v, want running with a later start", started)
	}
	if err := ledger.Close(ctx, span.ID, Result{Status: StatusSuccess}); err != nil {
		t.Fatalf("Close() after Start error: %v", err)
	}
}

func TestLedgerAssembleTraceBuildsForestAndSummary(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := mustAccount(t, ledger, "hash-assemble")

	a, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o", TraceID: "trace-abc"})
	if err != nil {
		t.Fatalf("Open(A) error: %v", err)
	}
	b, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o", ParentID: a.ID})
	if err != nil {
		t.Fatalf("Open(B) error: %v", err)
	}
	c, err := ledger.Open(ctx, OpenParams{AccountID: account.ID, Model: "gpt-4o", ParentID: a.ID})
	if err != nil {
		t.Fatalf("Open(C) error: %v", err)
	}

	results := map[string]Result{
		a.ID: {Status: StatusSuccess, Duration: 100 * time.Millisecond, CostUSD: 0.01, InputTokens: 10, OutputTokens: 5},
		b.ID: {Status: StatusFailed, Duration: 200 * time.Millisecond, Error: "upstream 500"},
		c.ID: {Status: StatusSlow, Duration: 300 * time.Millisecond, CostUSD: 0.02, InputTokens: 7, OutputTokens: 3},
	}
	for id, result := range results {
		if err := ledger.Close(ctx, id, result); err != nil {
			t.Fatalf("Close(%s) error: %v", id, err)
		}
	}

	view, err := ledger.AssembleTrace(ctx, "trace-abc")
	if err != nil {
		t.Fatalf("AssembleTrace() error: %v", err)
	}

	summary := view.Summary
	if summary.SpanCount != 3 || summary.TotalDurationMS != 600 || summary.TotalTokens != 25 || !summary.HasFailure {
		t.Fatalf("summary=%+v, want 3 spans, 600ms, 25 tokens, failure", summary)
	}
	if diff := summary.TotalCostUSD - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("total cost=%v, want 0.03", summary.TotalCostUSD)
	}
	if len(view.Roots) != 1 || view.Roots[0].Span.ID != a.ID {
		t.Fatalf("roots=%d, want only A", len(view.Roots))
	}
	children := view.Roots[0].Children
	if len(children) != 2 || children[0].Span.ID != b.ID || children[1].Span.ID != c.ID {
		t.Fatalf("children of A are not [B C] in start order")
	}
	if len(view.Spans) != 3 || view.Spans[0].ID != a.ID {
		t.Fatalf("flat list does not start with the parent")
	}

	if _, err := ledger.AssembleTrace(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AssembleTrace(missing) error=%v, want ErrNotFound", err)
	}
}

func TestLedgerResolveAccountIsIdempotentAndQueuesTouch(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	touches := NewTouchWriter(store, TouchWriterOptions{})
	touches.Start(context.Background())
	ledger := NewLedger(store, LedgerOptions{Touches: touches})

	first, err := ledger.ResolveAccount(context.Background(), "hash-resolve", "anthropic")
	if err != nil {
		t.Fatalf("ResolveAccount() error: %v", err)
	}
	second, err := ledger.ResolveAccount(context.Background(), "hash-resolve", "anthropic")
	if err != nil {
		t.Fatalf("second ResolveAccount() error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("account ids=%q/%q, want equal", first.ID, second.ID)
	}
	if err := touches.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := touches.Diagnostics().EnqueueAcceptedTotal; got != 2 {
		t.Fatalf("touches accepted=%d, want 2", got)
	}
}

func TestSortSpanLineageTreatsMissingParentAsRoot(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	orphan := &Span{ID: "orphan", ParentID: "gone", StartedAt: base}
	parent := &Span{ID: "parent", StartedAt: base.Add(time.Second)}
	child := &Span{ID: "child", ParentID: "parent", StartedAt: base.Add(-time.Second)}

	view := Assemble("t", []*Span{child, parent, orphan})
	if len(view.Roots) != 2 {
		t.Fatalf("roots=%d, want 2", len(view.Roots))
	}
	if view.Roots[0].Span.ID != "orphan" || view.Roots[1].Span.ID != "parent" {
		t.Fatalf("roots=[%s %s], want [orphan parent]", view.Roots[0].Span.ID, view.Roots[1].Span.ID)
	}
	order := make([]string, 0, len(view.Spans))
	for _, span := range view.Spans {
		order = append(order, span.ID)
	}
	if got := strings.Join(order, ","); got != "orphan,parent,child" {
		t.Fatalf("flat order=%s, want orphan,parent,child", got)
	}
}

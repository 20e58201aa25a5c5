package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/proxy"
	"github.com/spanline/gateway/internal/trace"
)

// fakeDispatcher finalizes spans the way the proxy does without calling
// any upstream.
type fakeDispatcher struct {
	ledger *trace.Ledger
	calls  []proxy.Call
}

func (d *fakeDispatcher) Dispatch(w http.ResponseWriter, r *http.Request, call proxy.Call) (*trace.Span, error) {
	d.calls = append(d.calls, call)
	span := call.Span
	if span == nil {
		opened, err := d.ledger.Open(r.Context(), trace.OpenParams{
			AccountID: call.Account.ID,
			Provider:  call.Provider.Name(),
			Model:     call.Request.Model,
			Endpoint:  call.Endpoint,
			Prompt:    providers.RenderPrompt(call.Request.Messages),
			TraceID:   call.TraceID,
			ParentID:  call.ParentID,
		})
		if err != nil {
			return nil, err
		}
		span = opened
	}
	w.WriteHeader(http.StatusOK)
	if err := d.ledger.Close(r.Context(), span.ID, trace.Result{Status: trace.StatusSuccess, Completion: "again", Duration: time.Millisecond}); err != nil {
		return nil, err
	}
	return d.ledger.Get(r.Context(), span.ID)
}

type fixture struct {
	engine     *Engine
	ledger     *trace.Ledger
	dispatcher *fakeDispatcher
	owner      *trace.Account
	stranger   *trace.Account
	source     *trace.Span
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := trace.NewSQLiteStore(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := trace.NewLedger(store, trace.LedgerOptions{Logger: logger})
	dispatcher := &fakeDispatcher{ledger: ledger}
	engine, err := NewEngine(Options{
		Ledger:     ledger,
		Registry:   providers.DefaultRegistry(),
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	ctx := context.Background()
	owner, err := ledger.ResolveAccount(ctx, "hash-owner", "anthropic")
	if err != nil {
		t.Fatalf("ResolveAccount() error: %v", err)
	}
	stranger, err := ledger.ResolveAccount(ctx, "hash-stranger", "openai")
	if err != nil {
		t.Fatalf("ResolveAccount() error: %v", err)
	}
	source, err := ledger.Open(ctx, trace.OpenParams{
		AccountID: owner.ID,
		Provider:  "anthropic",
		Model:     "claude-3-5-haiku-20241022",
		Endpoint:  proxy.EndpointMessages,
		Prompt:    "system: be terse\nuser: hi",
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := ledger.Close(ctx, source.ID, trace.Result{Status: trace.StatusFailed, Error: "upstream 529"}); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	return &fixture{engine: engine, ledger: ledger, dispatcher: dispatcher, owner: owner, stranger: stranger, source: source}
}

func replayRequest() (*httptest.ResponseRecorder, *http.Request) {
	return httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/spans/x/replay", nil)
}

func TestRetryCreatesPendingChild(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	span, err := f.engine.Retry(context.Background(), f.owner, f.source.ID, "user: be nicer")
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if span.Status != trace.StatusPending || span.ParentID != f.source.ID || span.TraceID != f.source.TraceID {
		t.Fatalf("retry span=%+v, want pending child in the same trace", span)
	}
	if span.Prompt != "user: be nicer" || span.RequestSnapshot == "" {
		t.Fatalf("retry prompt=%q snapshot=%q", span.Prompt, span.RequestSnapshot)
	}
	if len(f.dispatcher.calls) != 0 {
		t.Fatal("Retry dispatched a request")
	}
}

func TestReplayOpensChildWithCallerCredential(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w, r := replayRequest()
	span, err := f.engine.Replay(w, r, f.owner, "sk-ant-new-credential", f.source.ID, "")
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if span.ParentID != f.source.ID || span.TraceID != f.source.TraceID || span.Status != trace.StatusSuccess {
		t.Fatalf("replay span=%+v", span)
	}

	call := f.dispatcher.calls[0]
	if call.Credential != "sk-ant-new-credential" || call.Provider.Name() != "anthropic" {
		t.Fatalf("call credential=%q provider=%q", call.Credential, call.Provider.Name())
	}
	if call.ClientFormat != providers.FormatAnthropic || call.Endpoint != proxy.EndpointMessages {
		t.Fatalf("call format=%q endpoint=%q, want anthropic messages", call.ClientFormat, call.Endpoint)
	}
	if len(call.Request.Messages) != 2 || call.Request.Messages[0].Content != "be terse" {
		t.Fatalf("call messages=%+v, want rebuilt prompt", call.Request.Messages)
	}
}

func TestReplayStartsPendingSpanInPlace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	pending, err := f.engine.Retry(context.Background(), f.owner, f.source.ID, "")
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}

	w, r := replayRequest()
	if _, err := f.engine.Replay(w, r, f.owner, "sk-ant-x", pending.ID, "user: changed"); !errors.Is(err, ErrPendingOverride) {
		t.Fatalf("override error=%v, want ErrPendingOverride", err)
	}

	w, r = replayRequest()
	span, err := f.engine.Replay(w, r, f.owner, "sk-ant-x", pending.ID, "")
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if span.ID != pending.ID || span.Status != trace.StatusSuccess {
		t.Fatalf("replayed span=%s status=%s, want %s finalized in place", span.ID, span.Status, pending.ID)
	}

	// A finished retry span replays like any other span.
	w, r = replayRequest()
	again, err := f.engine.Replay(w, r, f.owner, "sk-ant-x", pending.ID, "")
	if err != nil || again.ParentID != pending.ID {
		t.Fatalf("second replay=%+v err=%v, want child of %s", again, err, pending.ID)
	}
}

func TestReplayAndRetryEnforceOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.engine.Retry(context.Background(), f.stranger, f.source.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Retry() error=%v, want ErrForbidden", err)
	}
	w, r := replayRequest()
	if _, err := f.engine.Replay(w, r, f.stranger, "sk-x", f.source.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Replay() error=%v, want ErrForbidden", err)
	}
	if _, err := f.engine.Retry(context.Background(), f.owner, "missing", ""); !errors.Is(err, trace.ErrNotFound) {
		t.Fatalf("Retry(missing) error=%v, want ErrNotFound", err)
	}
	if len(f.dispatcher.calls) != 0 {
		t.Fatal("rejected replay reached the dispatcher")
	}
}

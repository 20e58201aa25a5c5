package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/spanline/gateway/internal/auth"
	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/proxy"
	"github.com/spanline/gateway/internal/replay"
	"github.com/spanline/gateway/internal/trace"
)

const replayBodyLimit = 1 << 20

type spanHandlers struct {
	ledger   *trace.Ledger
	auth     *auth.Authenticator
	replayer Replayer
	logger   *slog.Logger
}

type spansResponse struct {
	Items []*trace.Span `json:"items"`
}

type replayRequest struct {
	Prompt string `json:"prompt"`
}

// account resolves the caller's account. On failure the response is already
// written.
func (h *spanHandlers) account(w http.ResponseWriter, r *http.Request) (*auth.Identity, *trace.Account, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "request is not authenticated")
		return nil, nil, false
	}
	account, err := h.ledger.ResolveAccount(r.Context(), identity.CredentialHash, identity.Provider)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "account resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve account")
		return nil, nil, false
	}
	return identity, account, true
}

func (h *spanHandlers) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSpanFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, account, ok := h.account(w, r)
	if !ok {
		return
	}
	filter.AccountID = account.ID

	items, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "span query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query spans")
		return
	}
	if items == nil {
		items = []*trace.Span{}
	}
	writeJSON(w, http.StatusOK, spansResponse{Items: items})
}

func parseSpanFilter(r *http.Request) (trace.SpanFilter, error) {
	var filter trace.SpanFilter
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := trace.ParseStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	return filter, nil
}

func (h *spanHandlers) detail(w http.ResponseWriter, r *http.Request) {
	_, account, ok := h.account(w, r)
	if !ok {
		return
	}
	span, err := h.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSpanError(w, r, err)
		return
	}
	if span.AccountID != account.ID {
		h.writeSpanError(w, r, replay.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, span)
}

func (h *spanHandlers) traceView(w http.ResponseWriter, r *http.Request) {
	_, account, ok := h.account(w, r)
	if !ok {
		return
	}
	view, err := h.ledger.AssembleTrace(r.Context(), r.PathValue("id"))
	if errors.Is(err, trace.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		h.writeSpanError(w, r, err)
		return
	}
	// Traces are visible to any account that owns one of their spans.
	for _, span := range view.Spans {
		if span.AccountID == account.ID {
			writeJSON(w, http.StatusOK, view)
			return
		}
	}
	writeError(w, http.StatusNotFound, "trace not found")
}

func (h *spanHandlers) retry(w http.ResponseWriter, r *http.Request) {
	body, ok := readReplayRequest(w, r)
	if !ok {
		return
	}
	_, account, ok := h.account(w, r)
	if !ok {
		return
	}
	span, err := h.replayer.Retry(r.Context(), account, r.PathValue("id"), body.Prompt)
	if err != nil {
		h.writeSpanError(w, r, err)
		return
	}
	w.Header().Set(proxy.HeaderSpanID, span.ID)
	w.Header().Set(proxy.HeaderTraceID, span.TraceID)
	writeJSON(w, http.StatusCreated, span)
}

func (h *spanHandlers) replay(w http.ResponseWriter, r *http.Request) {
	body, ok := readReplayRequest(w, r)
	if !ok {
		return
	}
	identity, account, ok := h.account(w, r)
	if !ok {
		return
	}
	spanID := r.PathValue("id")
	source, err := h.ledger.Get(r.Context(), spanID)
	if err != nil {
		h.writeSpanError(w, r, err)
		return
	}
	if source.AccountID != account.ID {
		h.writeSpanError(w, r, replay.ErrForbidden)
		return
	}
	credential, ok := h.auth.UpstreamCredential(identity, source.Provider)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no "+source.Provider+" credential is available for this gateway key")
		return
	}

	span, err := h.replayer.Replay(w, r, account, credential, spanID, body.Prompt)
	if err != nil {
		if w.Header().Get(proxy.HeaderSpanID) != "" {
			h.logger.ErrorContext(r.Context(), "replay failed after response", "span_id", spanID, "error", err)
			return
		}
		h.writeSpanError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "span replayed", "source_span_id", spanID, "span_id", span.ID, "status", string(span.Status))
}

func readReplayRequest(w http.ResponseWriter, r *http.Request) (replayRequest, bool) {
	var body replayRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, replayBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return body, false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, true
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object with an optional prompt")
		return body, false
	}
	return body, true
}

func (h *spanHandlers) writeSpanError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, trace.ErrNotFound):
		writeError(w, http.StatusNotFound, "span not found")
	case errors.Is(err, replay.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, replay.ErrPendingOverride),
		errors.Is(err, providers.ErrInvalidRequest),
		errors.Is(err, providers.ErrUnknownProvider),
		errors.Is(err, trace.ErrParentNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "span request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "span request failed")
	}
}

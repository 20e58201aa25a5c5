package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/spanline/gateway/internal/auth"
	"github.com/spanline/gateway/internal/limits"
	"github.com/spanline/gateway/internal/pricing"
	"github.com/spanline/gateway/internal/providers"
	"github.com/spanline/gateway/internal/trace"
)

const defaultMaxBodyBytes = 8 << 20

type GatewayOptions struct {
	Dispatcher    *Dispatcher
	Authenticator *auth.Authenticator
	Limiter       *limits.AccountLimiter
	Logger        *slog.Logger
	MaxBodyBytes  int64
}

// Gateway serves the client-facing completion endpoints.
type Gateway struct {
	dispatcher   *Dispatcher
	auth         *auth.Authenticator
	limiter      *limits.AccountLimiter
	logger       *slog.Logger
	maxBodyBytes int64
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("gateway: authenticator is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Gateway{
		dispatcher:   opts.Dispatcher,
		auth:         opts.Authenticator,
		limiter:      opts.Limiter,
		logger:       opts.Logger,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Register mounts the gateway routes on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/chat/completions", auth.Require(g.auth, auth.PermissionProxyWrite,
		formatErrorWriter(providers.FormatOpenAI), g.handleCompletion(providers.FormatOpenAI)))
	mux.Handle("POST /v1/messages", auth.Require(g.auth, auth.PermissionProxyWrite,
		formatErrorWriter(providers.FormatAnthropic), g.handleCompletion(providers.FormatAnthropic)))
	mux.HandleFunc("GET /v1/models", g.handleModels)
}

func (g *Gateway) handleCompletion(format providers.WireFormat) http.HandlerFunc {
	decode := providers.DecodeChatRequest
	endpoint := EndpointChat
	if format == providers.FormatAnthropic {
		decode = providers.DecodeMessagesRequest
		endpoint = EndpointMessages
	}

	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, format, http.StatusUnauthorized, "missing_credential", "request is not authenticated")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, format, http.StatusRequestEntityTooLarge, "request_too_large",
					"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
				return
			}
			writeError(w, format, http.StatusBadRequest, "invalid_request", "could not read request body")
			return
		}
		req, err := decode(body)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			writeError(w, format, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		req.Headers = r.Header

		provider := g.dispatcher.registry.Resolve(identity.Credential, req.Model)
		credential, ok := g.auth.UpstreamCredential(identity, provider.Name())
		if !ok {
			writeError(w, format, http.StatusUnauthorized, "missing_provider_credential",
				"no "+provider.Name()+" credential is available for this gateway key")
			return
		}

		account, err := g.dispatcher.ledger.ResolveAccount(r.Context(), identity.CredentialHash, identity.Provider)
		if err != nil {
			g.logger.ErrorContext(r.Context(), "account resolution failed", "error", err)
			writeError(w, format, http.StatusInternalServerError, "account_unavailable", "could not resolve account")
			return
		}
		if rejection := g.limiter.Allow(account.ID); rejection != nil {
			w.Header().Set("Retry-After", strconv.Itoa(rejection.RetryAfterSeconds))
			writeError(w, format, http.StatusTooManyRequests, strings.ToLower(rejection.Code), rejection.Message)
			return
		}

		_, err = g.dispatcher.Dispatch(w, r, Call{
			Account:      account,
			Provider:     provider,
			Credential:   credential,
			Request:      req,
			ClientFormat: format,
			Endpoint:     endpoint,
			TraceID:      strings.TrimSpace(r.Header.Get(HeaderTraceID)),
			ParentID:     strings.TrimSpace(r.Header.Get(HeaderParentID)),
		})
		if err != nil {
			g.writeDispatchError(w, r, format, err)
		}
	}
}

// writeDispatchError handles failures that happen before any response was
// written: a span that could not be opened, or one that could not be closed
// after the response already went out.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, r *http.Request, format providers.WireFormat, err error) {
	switch {
	case errors.Is(err, trace.ErrParentNotFound):
		writeError(w, format, http.StatusBadRequest, "parent_not_found", err.Error())
	case w.Header().Get(HeaderSpanID) != "":
		g.logger.ErrorContext(r.Context(), "span finalize failed after response", "error", err)
	default:
		g.logger.ErrorContext(r.Context(), "span open failed", "error", err)
		writeError(w, format, http.StatusInternalServerError, "span_unavailable", "could not record the request")
	}
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelRecord `json:"data"`
}

type modelRecord struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (g *Gateway) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listModels(g.dispatcher.pricing, g.dispatcher.registry))
}

func listModels(table *pricing.Table, registry *providers.Registry) modelList {
	out := modelList{Object: "list", Data: []modelRecord{}}
	for _, id := range table.Models() {
		out.Data = append(out.Data, modelRecord{
			ID:      id,
			Object:  "model",
			OwnedBy: registry.DetectFromModel(id).Name(),
		})
	}
	return out
}

type openAIErrorBody struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type anthropicErrorBody struct {
	Type  string               `json:"type"`
	Error anthropicErrorDetail `json:"error"`
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError renders an error in the envelope the endpoint's clients parse.
func writeError(w http.ResponseWriter, format providers.WireFormat, status int, code, message string) {
	if format == providers.FormatAnthropic {
		writeJSON(w, status, anthropicErrorBody{
			Type:  "error",
			Error: anthropicErrorDetail{Type: providers.AnthropicErrorType(status), Message: message},
		})
		return
	}
	writeJSON(w, status, openAIErrorBody{Error: openAIErrorDetail{
		Message: message,
		Type:    openAIErrorType(status),
		Code:    code,
	}})
}

func formatErrorWriter(format providers.WireFormat) auth.ErrorWriter {
	return func(w http.ResponseWriter, status int, message string) {
		code := "invalid_api_key"
		if status == http.StatusForbidden {
			code = "insufficient_permissions"
		}
		writeError(w, format, status, code, message)
	}
}

func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= http.StatusInternalServerError:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

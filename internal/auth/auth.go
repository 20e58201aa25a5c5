package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/spanline/gateway/internal/providers"
)

type Permission string

const (
	PermissionProxyWrite Permission = "proxy:write"
	PermissionSpansRead  Permission = "spans:read"
	PermissionSpansWrite Permission = "spans:write"
)

const (
	DefaultHeaderName = "X-Spanline-Key"
	// GatewayProvider is the account provider recorded for gateway-key callers.
	GatewayProvider = "gateway"
)

var (
	ErrMissingCredential  = errors.New("missing credential")
	ErrInvalidGatewayKey  = errors.New("invalid gateway key")
	ErrGatewayKeyRequired = errors.New("gateway key required")

	// ErrUnrecognizedCredential is a credential that is neither a gateway
	// key nor in any known provider key family.
	ErrUnrecognizedCredential = errors.New("unrecognized credential")
)

type KeyConfig struct {
	ID          string
	Name        string
	Token       string
	TokenHash   string
	Role        string
	Permissions []string
}

type Options struct {
	// Header carries a gateway key alongside a provider credential. A
	// gateway key may also be sent as the bearer token.
	Header string
	// RequireGatewayKey rejects callers presenting only a provider key.
	RequireGatewayKey bool
	Keys              []KeyConfig
	// ProviderKeys are upstream credentials, by provider name, used for
	// gateway-key callers that do not bring their own.
	ProviderKeys map[string]string
}

// Identity is the authenticated caller. CredentialHash is the account key;
// the raw gateway token is never kept.
type Identity struct {
	KeyID          string
	Name           string
	Role           string
	CredentialHash string
	// Credential is a provider credential presented by the caller.
	Credential string
	Provider   string

	permissions map[Permission]struct{}
}

// Gateway reports whether the caller authenticated with a gateway key.
func (i *Identity) Gateway() bool {
	return i != nil && i.KeyID != ""
}

func (i *Identity) HasPermission(permission Permission) bool {
	if i == nil {
		return false
	}
	_, ok := i.permissions[permission]
	return ok
}

type Authenticator struct {
	header       string
	require      bool
	keys         map[string]*Identity
	providerKeys map[string]string
	registry     *providers.Registry
}

func NewAuthenticator(options Options, registry *providers.Registry) (*Authenticator, error) {
	if registry == nil {
		registry = providers.DefaultRegistry()
	}
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = DefaultHeaderName
	}
	if options.RequireGatewayKey && len(options.Keys) == 0 {
		return nil, errors.New("gateway keys are required but none are configured")
	}

	a := &Authenticator{
		header:       header,
		require:      options.RequireGatewayKey,
		keys:         make(map[string]*Identity, len(options.Keys)),
		providerKeys: make(map[string]string, len(options.ProviderKeys)),
		registry:     registry,
	}
	for name, key := range options.ProviderKeys {
		if key = strings.TrimSpace(key); key != "" {
			a.providerKeys[strings.ToLower(strings.TrimSpace(name))] = key
		}
	}

	for _, key := range options.Keys {
		tokenHash := strings.ToLower(strings.TrimSpace(key.TokenHash))
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, errors.New("gateway key token cannot be empty")
			}
			tokenHash = HashCredential(token)
		}
		if _, exists := a.keys[tokenHash]; exists {
			return nil, errors.New("duplicate gateway key token in auth config")
		}
		id := strings.TrimSpace(key.ID)
		if id == "" {
			return nil, errors.New("gateway key id cannot be empty")
		}

		permissions := defaultRolePermissions(key.Role)
		for _, raw := range key.Permissions {
			if permission := Permission(strings.ToLower(strings.TrimSpace(raw))); permission != "" {
				permissions[permission] = struct{}{}
			}
		}
		a.keys[tokenHash] = &Identity{
			KeyID:          id,
			Name:           strings.TrimSpace(key.Name),
			Role:           strings.ToLower(strings.TrimSpace(key.Role)),
			CredentialHash: tokenHash,
			Provider:       GatewayProvider,
			permissions:    permissions,
		}
	}
	return a, nil
}

func (a *Authenticator) HeaderName() string {
	if a == nil || a.header == "" {
		return DefaultHeaderName
	}
	return a.header
}

// Authenticate identifies the caller. A gateway key wins over a provider
// credential; a provider credential alone identifies its own account.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	presented := ExtractCredential(r.Header)

	if token := strings.TrimSpace(r.Header.Get(a.HeaderName())); token != "" {
		identity, ok := a.keys[HashCredential(token)]
		if !ok {
			return nil, ErrInvalidGatewayKey
		}
		out := identity.clone()
		out.Credential = presented
		return out, nil
	}
	if presented == "" {
		return nil, ErrMissingCredential
	}
	if identity, ok := a.keys[HashCredential(presented)]; ok {
		return identity.clone(), nil
	}
	if a.require {
		return nil, ErrGatewayKeyRequired
	}

	detected, ok := a.registry.DetectFromCredential(presented)
	if !ok {
		return nil, ErrUnrecognizedCredential
	}
	return &Identity{
		CredentialHash: HashCredential(presented),
		Credential:     presented,
		Provider:       detected.Name(),
		permissions:    allPermissions(),
	}, nil
}

// UpstreamCredential picks the credential sent to provider for this caller.
func (a *Authenticator) UpstreamCredential(identity *Identity, provider string) (string, bool) {
	if identity == nil {
		return "", false
	}
	if identity.Credential != "" {
		return identity.Credential, true
	}
	key, ok := a.providerKeys[strings.ToLower(provider)]
	return key, ok
}

// ExtractCredential reads the credential from the headers each supported
// client library uses.
func ExtractCredential(header http.Header) string {
	if value := strings.TrimSpace(header.Get("Authorization")); value != "" {
		scheme, token, found := strings.Cut(value, " ")
		if found && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		if !found {
			return value
		}
	}
	for _, name := range []string{"X-Api-Key", "X-Goog-Api-Key"} {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

// HashCredential is the one-way account key for a raw credential.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// ErrorWriter renders an authentication failure in the caller's dialect.
type ErrorWriter func(w http.ResponseWriter, status int, message string)

// Require authenticates the request, checks permission and stores the
// identity in the request context before calling next.
func Require(a *Authenticator, permission Permission, writeError ErrorWriter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, describe(err))
			return
		}
		if !identity.HasPermission(permission) {
			writeError(w, http.StatusForbidden, "credential does not have "+string(permission)+" permission")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func describe(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing credential: pass a provider key or gateway key via Authorization, X-API-Key or x-goog-api-key"
	case errors.Is(err, ErrGatewayKeyRequired):
		return "this gateway only accepts gateway keys"
	case errors.Is(err, ErrUnrecognizedCredential):
		return "unrecognized credential: expected a provider API key or a gateway key"
	default:
		return "invalid gateway key"
	}
}

func defaultRolePermissions(role string) map[Permission]struct{} {
	permissions := map[Permission]struct{}{}
	for _, permission := range permissionsForRole(role) {
		permissions[permission] = struct{}{}
	}
	return permissions
}

func permissionsForRole(role string) []Permission {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "owner", "admin", "", "developer", "member":
		return []Permission{PermissionProxyWrite, PermissionSpansRead, PermissionSpansWrite}
	case "viewer":
		return []Permission{PermissionSpansRead}
	default:
		// Unknown roles only get what is listed explicitly.
		return nil
	}
}

func allPermissions() map[Permission]struct{} {
	return defaultRolePermissions("owner")
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}

func (i *Identity) clone() *Identity {
	out := *i
	out.permissions = make(map[Permission]struct{}, len(i.permissions))
	for permission := range i.permissions {
		out.permissions[permission] = struct{}{}
	}
	return &out
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(contextIdentityKey{}).(*Identity)
	return identity, ok && identity != nil
}

package providers

import (
	"fmt"
	"sort"
	"strings"
)

const (
	DefaultProviderName = "openai"
	RoutedProviderName  = "openrouter"
	routedModelSep      = "/"
)

var defaultEndpoints = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"anthropic":  "https://api.anthropic.com/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta",
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

type prefixRule struct {
	prefix   string
	provider string
}

// Credential families are checked most specific first so "sk-ant-" and
// "sk-or-" never fall into the generic "sk-" family.
var credentialFamilies = []prefixRule{
	{prefix: "sk-ant-", provider: "anthropic"},
	{prefix: "sk-or-", provider: "openrouter"},
	{prefix: "gsk_", provider: "groq"},
	{prefix: "AIza", provider: "gemini"},
	{prefix: "sk-", provider: "openai"},
}

var modelFamilies = []prefixRule{
	{prefix: "claude-", provider: "anthropic"},
	{prefix: "gpt-", provider: "openai"},
	{prefix: "chatgpt-", provider: "openai"},
	{prefix: "o1", provider: "openai"},
	{prefix: "o3", provider: "openai"},
	{prefix: "o4", provider: "openai"},
	{prefix: "text-embedding-", provider: "openai"},
	{prefix: "gemini-", provider: "gemini"},
	{prefix: "models/gemini-", provider: "gemini"},
	{prefix: "llama", provider: "groq"},
	{prefix: "mixtral-", provider: "groq"},
	{prefix: "gemma", provider: "groq"},
}

// Registry maps provider names to variants and upstream endpoints. It is
// built once at startup and only read afterwards.
type Registry struct {
	providers map[string]Provider
	endpoints map[string]string
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{
		providers: make(map[string]Provider, len(providers)),
		endpoints: make(map[string]string, len(providers)),
	}
	for _, provider := range providers {
		registry.providers[provider.Name()] = provider
		if endpoint, ok := defaultEndpoints[provider.Name()]; ok {
			registry.endpoints[provider.Name()] = endpoint
		}
	}
	return registry
}

func DefaultRegistry() *Registry {
	return NewRegistry(
		OpenAIProvider{},
		AnthropicProvider{},
		GeminiProvider{},
		GroqProvider{},
		OpenRouterProvider{},
	)
}

// WithEndpoints returns a copy of the registry with the given upstream
// overrides applied. Empty values keep the default.
func (r *Registry) WithEndpoints(overrides map[string]string) *Registry {
	next := &Registry{
		providers: r.providers,
		endpoints: make(map[string]string, len(r.endpoints)),
	}
	for name, endpoint := range r.endpoints {
		next.endpoints[name] = endpoint
	}
	for name, endpoint := range overrides {
		if strings.TrimSpace(endpoint) == "" {
			continue
		}
		next.endpoints[name] = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	}
	return next
}

// Validate reports a registry that cannot route every provider it knows.
func (r *Registry) Validate() error {
	for _, name := range r.Names() {
		if strings.TrimSpace(r.endpoints[name]) == "" {
			return fmt.Errorf("provider %q has no upstream endpoint", name)
		}
	}
	if _, ok := r.providers[DefaultProviderName]; !ok {
		return fmt.Errorf("default provider %q is not registered", DefaultProviderName)
	}
	return nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.providers[name]
	return provider, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Endpoint(name string) (string, error) {
	endpoint, ok := r.endpoints[name]
	if !ok || endpoint == "" {
		return "", fmt.Errorf("endpoint for %q: %w", name, ErrUnknownProvider)
	}
	return endpoint, nil
}

// DetectFromCredential returns the provider whose credential family matches
// the token, or false when no family does.
func (r *Registry) DetectFromCredential(credential string) (Provider, bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, false
	}
	for _, rule := range credentialFamilies {
		if strings.HasPrefix(credential, rule.prefix) {
			provider, ok := r.providers[rule.provider]
			return provider, ok
		}
	}
	return nil, false
}

// DetectFromModel never fails: routed model ids go to the any-model
// provider and anything unrecognised goes to the default provider.
func (r *Registry) DetectFromModel(model string) Provider {
	model = strings.ToLower(strings.TrimSpace(model))
	if strings.Contains(model, routedModelSep) && !strings.HasPrefix(model, "models/") {
		if provider, ok := r.providers[RoutedProviderName]; ok {
			return provider
		}
	}
	for _, rule := range modelFamilies {
		if strings.HasPrefix(model, rule.prefix) {
			if provider, ok := r.providers[rule.provider]; ok {
				return provider
			}
		}
	}
	return r.providers[DefaultProviderName]
}

// Resolve prefers the credential family and falls back to the model name.
func (r *Registry) Resolve(credential, model string) Provider {
	if provider, ok := r.DetectFromCredential(credential); ok {
		return provider
	}
	return r.DetectFromModel(model)
}

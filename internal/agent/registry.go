// Package agent turns admitted model requests into adapter subprocess runs.
// The adapter binary owns the outbound HTTP call; this package owns provider
// selection, ExecSpec construction, and result normalization.
package agent

import (
	"github.com/loa-labs/loa-finn/internal/core"
)

// Provider describes one upstream model API the adapter can speak to.
type Provider struct {
	Name         string            `json:"name"`
	BaseURL      string            `json:"base_url"`
	Path         string            `json:"path"`
	AuthHeader   string            `json:"auth_header"`
	AuthPrefix   string            `json:"auth_prefix,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	// APIKeyEnv names the environment variable holding the provider
	// credential. The key value itself never passes through this process's
	// config.
	APIKeyEnv string `json:"api_key_env"`
}

// Registry is the static provider table. openai_compat entries are
// registered at startup with their custom base URL.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Register(Provider{
		Name:       "openai",
		BaseURL:    "https://api.openai.com",
		Path:       "/v1/chat/completions",
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		APIKeyEnv:  "OPENAI_API_KEY",
	})
	r.Register(Provider{
		Name:       "anthropic",
		BaseURL:    "https://api.anthropic.com",
		Path:       "/v1/messages",
		AuthHeader: "x-api-key",
		ExtraHeaders: map[string]string{
			"anthropic-version": "2023-06-01",
		},
		APIKeyEnv: "ANTHROPIC_API_KEY",
	})
	return r
}

// Register adds or replaces a provider entry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name] = p
}

// RegisterCompat adds an OpenAI-shaped provider at a custom base URL.
func (r *Registry) RegisterCompat(name, baseURL, apiKeyEnv string) {
	r.Register(Provider{
		Name:       name,
		BaseURL:    baseURL,
		Path:       "/v1/chat/completions",
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		APIKeyEnv:  apiKeyEnv,
	})
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, core.Ef(core.KindMalformedRequest, "unknown provider %q", name)
	}
	return p, nil
}

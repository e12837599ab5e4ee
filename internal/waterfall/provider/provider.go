// Package provider adapts the LLM vendor clients to the single interface
// the waterfall orchestrator dispatches through.
package provider

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/pkg/anthropic"
	"github.com/sells-group/visibility-cli/pkg/gemini"
	"github.com/sells-group/visibility-cli/pkg/openai"
	"github.com/sells-group/visibility-cli/pkg/perplexity"
)

// defaultMaxTokens bounds completion length so responses stay comparable
// across providers.
const defaultMaxTokens = 1024

// Request is one prompt dispatched to a provider. The query text goes in
// as-is; no system prompt is injected, so the answer reflects what the
// provider would tell a real user.
type Request struct {
	Prompt string
	Model  string // optional override; empty uses the configured model
}

// Result is the completion produced by one provider attempt.
type Result struct {
	Provider     string
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider adapts one LLM vendor to the orchestrator. Complete makes
// exactly one attempt; failover across providers belongs to the caller.
type Provider interface {
	// Name returns the provider identifier (matches providers.order in config).
	Name() string
	// Complete executes one prompt.
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Registry manages available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// BuildRegistry constructs adapters for every provider named in the
// priority order. Unknown names are rejected here rather than surfacing
// as nil lookups mid-audit.
func BuildRegistry(ctx context.Context, cfg config.ProvidersConfig) (*Registry, error) {
	reg := NewRegistry()

	for _, name := range cfg.Order {
		switch name {
		case "anthropic":
			reg.Register(NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model))
		case "openai":
			opts := []openai.Option{}
			if cfg.OpenAI.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
			}
			if cfg.OpenAI.Model != "" {
				opts = append(opts, openai.WithModel(cfg.OpenAI.Model))
			}
			reg.Register(NewOpenAI(openai.NewClient(cfg.OpenAI.Key, opts...)))
		case "gemini":
			opts := []gemini.Option{}
			if cfg.Gemini.Model != "" {
				opts = append(opts, gemini.WithModel(cfg.Gemini.Model))
			}
			client, err := gemini.NewClient(ctx, cfg.Gemini.Key, opts...)
			if err != nil {
				return nil, eris.Wrap(err, "provider: build gemini")
			}
			reg.Register(NewGemini(client))
		case "perplexity":
			opts := []perplexity.Option{}
			if cfg.Perplexity.BaseURL != "" {
				opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
			}
			if cfg.Perplexity.Model != "" {
				opts = append(opts, perplexity.WithModel(cfg.Perplexity.Model))
			}
			reg.Register(NewPerplexity(perplexity.NewClient(cfg.Perplexity.Key, opts...)))
		default:
			return nil, eris.Errorf("provider: unknown provider %q in order", name)
		}
	}

	return reg, nil
}

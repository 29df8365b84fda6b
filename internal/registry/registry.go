// Package registry discovers enabled providers and owns the adapter set.
//
// A provider is enabled iff its credential resolves through the secrets
// source (or, for the local runner, iff a base URL is configured). The
// registry is rebuilt in place by Reload when credentials change, so a
// rotated key takes effect without a restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nulpointcorp/llm-orchestrator/internal/config"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
	anthropicad "github.com/nulpointcorp/llm-orchestrator/internal/llm/anthropic"
	geminiad "github.com/nulpointcorp/llm-orchestrator/internal/llm/gemini"
	openaiad "github.com/nulpointcorp/llm-orchestrator/internal/llm/openai"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm/openaicompat"
	"github.com/nulpointcorp/llm-orchestrator/internal/secrets"
)

const huggingFaceBaseURL = "https://router.huggingface.co/v1"

// secretNames maps a provider to the credential it resolves through the
// secrets source. The local runner has no entry: it never authenticates.
var secretNames = map[string]string{
	llm.ProviderOpenAI:      "OPENAI_API_KEY",
	llm.ProviderAnthropic:   "ANTHROPIC_API_KEY",
	llm.ProviderGemini:      "GOOGLE_API_KEY",
	llm.ProviderHuggingFace: "HUGGINGFACE_API_KEY",
}

// Registry holds the enabled adapters. Safe for concurrent use.
type Registry struct {
	cfg *config.Config
	src secrets.Source

	mu       sync.RWMutex
	adapters map[string]llm.Adapter
}

// New discovers providers from cfg and src and constructs their adapters.
// Returns an error when no provider ends up enabled.
func New(ctx context.Context, cfg *config.Config, src secrets.Source) (*Registry, error) {
	if src == nil {
		src = secrets.Env{}
	}
	r := &Registry{cfg: cfg, src: src}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic builds a Registry around pre-constructed adapters. Reload is a
// no-op for static registries. Used by tests and embedders that construct
// their own adapter set.
func NewStatic(adapters map[string]llm.Adapter) *Registry {
	m := make(map[string]llm.Adapter, len(adapters))
	for k, v := range adapters {
		m[k] = v
	}
	return &Registry{adapters: m}
}

// Reload re-resolves credentials and rebuilds the adapter set in place.
// Called at startup and whenever credentials may have rotated.
func (r *Registry) Reload(ctx context.Context) error {
	if r.cfg == nil {
		return nil
	}
	adapters := make(map[string]llm.Adapter)

	if key, err := r.secret(llm.ProviderOpenAI); err == nil {
		var opts []openaiad.Option
		if r.cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiad.WithBaseURL(r.cfg.OpenAI.BaseURL))
		}
		adapters[llm.ProviderOpenAI] = openaiad.New(key, opts...)
	}

	if key, err := r.secret(llm.ProviderAnthropic); err == nil {
		var opts []anthropicad.Option
		if r.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicad.WithBaseURL(r.cfg.Anthropic.BaseURL))
		}
		adapters[llm.ProviderAnthropic] = anthropicad.New(key, opts...)
	}

	if key, err := r.secret(llm.ProviderGemini); err == nil {
		var opts []geminiad.Option
		if r.cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiad.WithBaseURL(r.cfg.Gemini.BaseURL))
		}
		a, err := geminiad.New(ctx, key, opts...)
		if err != nil {
			return fmt.Errorf("registry: gemini: %w", err)
		}
		adapters[llm.ProviderGemini] = a
	}

	if key, err := r.secret(llm.ProviderHuggingFace); err == nil {
		baseURL := r.cfg.HuggingFace.BaseURL
		if baseURL == "" {
			baseURL = huggingFaceBaseURL
		}
		adapters[llm.ProviderHuggingFace] = openaicompat.New(llm.ProviderHuggingFace, key, baseURL, nil)
	}

	if r.cfg.Local.BaseURL != "" {
		adapters[llm.ProviderLocal] = openaicompat.New(llm.ProviderLocal, "", r.cfg.Local.BaseURL, r.cfg.Local.Models)
	}

	if len(adapters) == 0 {
		return fmt.Errorf("registry: no providers enabled")
	}

	r.mu.Lock()
	r.adapters = adapters
	r.mu.Unlock()
	return nil
}

// secret resolves the credential for provider through the secrets source.
func (r *Registry) secret(provider string) (string, error) {
	name, ok := secretNames[provider]
	if !ok {
		return "", secrets.ErrNotFound
	}
	return r.src.GetSecret(name)
}

// Get returns the adapter for provider, or false when it is not enabled.
func (r *Registry) Get(provider string) (llm.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers returns the enabled provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of enabled providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// ResolveModel parses a model spec ("provider:model", bare provider, or bare
// aliased model) and returns the adapter that serves it. Resolution fails
// fast: an unknown spec or a disabled provider is an error, never a silent
// substitution.
func (r *Registry) ResolveModel(spec string) (llm.Adapter, llm.ModelID, error) {
	id, err := llm.ParseModelID(spec)
	if err != nil {
		return nil, llm.ModelID{}, err
	}
	a, ok := r.Get(id.Provider)
	if !ok {
		return nil, llm.ModelID{}, fmt.Errorf("provider %q is not enabled (model spec %q)", id.Provider, spec)
	}
	return a, id, nil
}

// ListModels returns every "provider:model" pair the enabled adapters serve,
// sorted for stable output.
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, a := range r.adapters {
		for _, m := range a.Models() {
			out = append(out, name+":"+m)
		}
	}
	sort.Strings(out)
	return out
}

// IsNotEnabled reports whether err indicates a disabled provider rather than
// a malformed model spec.
func IsNotEnabled(err error) bool {
	return err != nil && !errors.Is(err, llm.ErrBadModelSpec)
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown ai provider")

// ProviderFactory builds a provider for model; model is never empty.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type backend struct {
	factory      ProviderFactory
	defaultModel string
}

// Registry maps the provider name stored on a conversation to the backend
// that answers it. Conversations with no provider or model recorded fall back
// to the configured default.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backend
	fallback string
}

func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		backends: make(map[string]backend),
		fallback: normalizeName(defaultProvider),
	}
}

func normalizeName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) Register(name, defaultModel string, f ProviderFactory) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend{factory: f, defaultModel: strings.TrimSpace(defaultModel)}
	if r.fallback == "" {
		r.fallback = name
	}
}

// Default is the provider and model new conversations are stamped with.
func (r *Registry) Default() (provider, model string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback, r.backends[r.fallback].defaultModel
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Get(ctx context.Context, name, model string) (Provider, error) {
	name = normalizeName(name)
	r.mu.RLock()
	if name == "" {
		name = r.fallback
	}
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if model = strings.TrimSpace(model); model == "" {
		model = b.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("ai provider %s: no model configured", name)
	}
	return b.factory(ctx, model)
}

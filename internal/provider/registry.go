package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/market"
)

// Registry holds the registered providers and answers capability
// lookups. Registration order is preserved: the failover selector uses
// it to break priority ties deterministically.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Names must be unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("registry: provider with empty name")
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("registry: provider %q already registered", name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)

	log.Info().Str("provider", name).Int("total", len(r.order)).Msg("Provider registered")
	return nil
}

// Deregister closes and removes a provider. In-flight calls are the
// caller's responsibility to quiesce first.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	p, exists := r.providers[name]
	if exists {
		delete(r.providers, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("registry: provider %q not registered", name)
	}
	return p.Close()
}

// Get returns the provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns every provider in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// ByCapability returns providers supporting (kind, dt), in registration
// order.
func (r *Registry) ByCapability(kind market.Kind, dt market.DataType) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	for _, name := range r.order {
		p := r.providers[name]
		if p.Config().Supports(kind, dt) {
			out = append(out, p)
		}
	}
	return out
}

// InitializeAll initializes every provider, failing fast on the first
// error.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, p := range r.All() {
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", p.Name(), err)
		}
		log.Info().Str("provider", p.Name()).Msg("Provider initialized")
	}
	return nil
}

// CloseAll closes every provider, collecting the first error but
// attempting all.
func (r *Registry) CloseAll() error {
	var firstErr error
	for _, p := range r.All() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", p.Name(), err)
		}
	}
	return firstErr
}

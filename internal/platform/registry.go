package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds the process-wide provider singletons and the map of live
// adapters. Reads dominate (every dispatch looks up an adapter); writes happen
// only on lifecycle changes, so both maps sit behind one RWMutex.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	adapters  map[ConnectionKey]Adapter
	countFn   func(count int)
	log       zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		adapters:  make(map[ConnectionKey]Adapter),
		log:       logger,
	}
}

// OnAdapterCountChange registers fn to observe the live adapter count after
// every add or remove. Set once at startup, before any adapter connects.
func (r *Registry) OnAdapterCountChange(fn func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countFn = fn
}

// RegisterProvider adds a provider singleton at process init. Registering the
// same name twice is a programming error.
func (r *Registry) RegisterProvider(p Provider) error {
	name := strings.ToLower(p.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Provider returns the provider for a platform name, or false when no
// provider with that name has been registered.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// Providers returns all registered providers.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Adapter returns the live adapter for a connection key, if any.
func (r *Registry) Adapter(key ConnectionKey) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	return a, ok
}

// ObtainAdapter returns the live adapter for cfg, creating and connecting one
// on first demand. Creation happens outside the lock; when two callers race,
// the loser's adapter is shut down and the winner's is returned.
func (r *Registry) ObtainAdapter(ctx context.Context, cfg Config, creds Credentials) (Adapter, error) {
	key := Key(cfg.ProjectID, cfg.ID)

	r.mu.RLock()
	existing, ok := r.adapters[key]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	provider, ok := r.Provider(cfg.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}

	adapter, err := provider.CreateAdapter(ctx, key, creds)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", cfg.Platform, err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s adapter: %w", cfg.Platform, err)
	}

	r.mu.Lock()
	if winner, ok := r.adapters[key]; ok {
		r.mu.Unlock()
		_ = adapter.Shutdown(ctx)
		return winner, nil
	}
	r.adapters[key] = adapter
	count, fn := len(r.adapters), r.countFn
	r.mu.Unlock()

	if fn != nil {
		fn(count)
	}
	r.log.Info().Str("platform", cfg.Platform).Str("connection_key", string(key)).Msg("Adapter connected")
	return adapter, nil
}

// RemoveAdapter shuts down and forgets the adapter for key. Removing an
// absent key is a no-op.
func (r *Registry) RemoveAdapter(ctx context.Context, key ConnectionKey) {
	r.mu.Lock()
	adapter, ok := r.adapters[key]
	delete(r.adapters, key)
	count, fn := len(r.adapters), r.countFn
	r.mu.Unlock()

	if !ok {
		return
	}
	if fn != nil {
		fn(count)
	}
	if err := adapter.Shutdown(ctx); err != nil {
		r.log.Warn().Err(err).Str("connection_key", string(key)).Msg("Adapter shutdown failed")
	}
}

// AdapterCount returns the number of live adapters.
func (r *Registry) AdapterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// ShutdownAll tears down every live adapter and then every provider. Called
// once at process shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[ConnectionKey]Adapter)
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	fn := r.countFn
	r.mu.Unlock()

	if fn != nil && len(adapters) > 0 {
		fn(0)
	}

	for key, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Str("connection_key", string(key)).Msg("Adapter shutdown failed")
		}
	}
	for _, p := range providers {
		if err := p.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider shutdown failed")
		}
	}
}

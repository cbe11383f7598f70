package llms

import (
	"fmt"
	"sync"

	"github.com/gomaestro/maestro/pkg/config"
)

// Registry holds the named providers declared in config.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewFromConfig builds a provider for each configured entry.
func NewFromConfig(llms map[string]*config.LLMConfig) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range llms {
		provider, err := NewProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("llm %s: %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewProvider creates a provider from one config entry.
func NewProvider(cfg *config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg)
	}
	return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider)
}

// Register adds a named provider.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s is already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return p, nil
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

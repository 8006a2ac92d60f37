package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"FusionChat/internal/config"
)

// ErrProviderNotFound is returned for an unknown provider id
var ErrProviderNotFound = errors.New("provider not found")

// New builds the provider described by cfg
func New(cfg config.ProviderConfig, httpClient *http.Client) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Type {
	case config.BackendOllama:
		p = NewOllama(cfg.ID, cfg.BaseURL, httpClient)
	case config.BackendAnthropic:
		p, err = NewAnthropic(cfg.ID, cfg.APIKey(), cfg.BaseURL, cfg.MaxTokens)
	case config.BackendOpenAI:
		p, err = NewOpenAI(cfg.ID, cfg.APIKey(), cfg.BaseURL, cfg.MaxTokens)
	case config.BackendCompatible:
		p, err = NewCompatible(cfg.ID, cfg.APIKey(), cfg.BaseURL, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}
	return p, nil
}

// Registry manages the configured providers
type Registry struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Load builds and registers every provider in cfgs. Providers that cannot be
// built (usually a missing API key) are skipped with a warning.
func Load(cfgs []config.ProviderConfig, httpClient *http.Client, logger *slog.Logger) *Registry {
	r := NewRegistry()
	for _, pc := range cfgs {
		p, err := New(pc, httpClient)
		if err != nil {
			logger.Warn("provider unavailable", "provider", pc.ID, "type", pc.Type, "error", err)
			continue
		}
		r.Register(pc.ID, p)
	}
	return r
}

// Register adds a provider to the registry
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Get retrieves a provider by id
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrProviderNotFound)
	}
	return p, nil
}

// IDs returns the registered provider ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

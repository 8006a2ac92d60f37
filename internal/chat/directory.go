package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"FusionChat/internal/backend"
	"FusionChat/internal/cache"
	"FusionChat/internal/config"
	"FusionChat/internal/session"

	"golang.org/x/sync/errgroup"
)

// Directory lists configured providers and their models. Model lists are
// cached per provider.
type Directory struct {
	providers Providers
	configs   []config.ProviderConfig
	cache     *cache.ModelCache
	logger    *slog.Logger
}

func NewDirectory(providers Providers, configs []config.ProviderConfig, models *cache.ModelCache, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		providers: providers,
		configs:   configs,
		cache:     models,
		logger:    logger.With("component", "directory"),
	}
}

// FetchModels returns the models of providerID, from cache when fresh
func (d *Directory) FetchModels(ctx context.Context, providerID string) ([]session.Model, error) {
	if d.cache != nil {
		if models, ok := d.cache.Get(providerID); ok {
			d.logger.Debug("model list cache hit", "provider", providerID)
			return models, nil
		}
	}
	p, err := d.providers.Get(providerID)
	if err != nil {
		return nil, err
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s models: %w", providerID, err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	if d.cache != nil {
		d.cache.Set(providerID, models)
	}
	d.logger.Info("loaded models", "provider", providerID, "count", len(models))
	return models, nil
}

// FetchAll lists the models of every configured provider in parallel. Model
// ids are qualified as "provider/model". Providers that fail are skipped.
func (d *Directory) FetchAll(ctx context.Context) ([]session.Model, error) {
	var (
		mu  sync.Mutex
		out []session.Model
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range d.configs {
		pc := pc
		g.Go(func() error {
			models, err := d.FetchModels(gctx, pc.ID)
			if err != nil {
				d.logger.Warn("skipping provider", "provider", pc.ID, "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range models {
				m.ID = pc.ID + "/" + m.ID
				out = append(out, m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Providers returns the configured providers
func (d *Directory) Providers() []session.Provider {
	out := make([]session.Provider, 0, len(d.configs))
	for _, pc := range d.configs {
		name := pc.Name
		if name == "" {
			name = pc.ID
		}
		out = append(out, session.Provider{ID: pc.ID, Type: pc.Type, Name: name, DefaultModel: pc.DefaultModel})
	}
	return out
}

// ObserveProviders emits the provider list once. The channel closes when ctx
// ends.
func (d *Directory) ObserveProviders(ctx context.Context) <-chan []session.Provider {
	ch := make(chan []session.Provider, 1)
	ch <- d.Providers()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

var _ Providers = (*backend.Registry)(nil)

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"FusionChat/internal/backend"
	"FusionChat/internal/cache"
	"FusionChat/internal/chat"
	"FusionChat/internal/config"
	"FusionChat/internal/store"
	"FusionChat/internal/telemetry"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// app holds the services shared by every command
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	store     *store.Store
	registry  *backend.Registry
	driver    *chat.Driver
	brancher  *chat.Brancher
	directory *chat.Directory
	prefs     *config.PreferenceStore

	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	if providerID != "" {
		if _, ok := cfg.Provider(providerID); !ok {
			return nil, fmt.Errorf("unknown provider: %s", providerID)
		}
		cfg.DefaultProvider = providerID
	}

	a := &app{cfg: cfg}

	logger, closeLog, err := telemetry.InitLogger(cfg.Log, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func() { _ = closeLog() })

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tracer, a.meter = tracer, meter
	a.closers = append(a.closers, shutdown)

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	})

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	a.registry = backend.Load(cfg.Providers, httpClient, logger)
	if a.registry.Count() == 0 {
		logger.Warn("no provider could be initialized")
	}

	a.driver, err = chat.NewDriver(st, a.registry, chat.DriverOptions{
		Logger: logger,
		Tracer: tracer,
		Meter:  meter,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	driver := a.driver
	a.closers = append(a.closers, func() {
		driver.Cancel()
		driver.Wait()
	})

	a.brancher = chat.NewBrancher(st, logger)
	a.directory = chat.NewDirectory(a.registry, cfg.Providers, cache.NewModelCache(10*time.Minute), logger)

	prefs, err := config.OpenPreferences(cfg.PreferencesFile, logger)
	if err != nil {
		logger.Warn("preferences unavailable, using defaults", "path", cfg.PreferencesFile, "error", err)
	} else {
		a.prefs = prefs
		a.closers = append(a.closers, prefs.Close)
	}

	logger.Info("fusionchat started",
		"store", cfg.Store.Path,
		"providers", a.registry.IDs(),
		"default_provider", cfg.DefaultProvider,
	)
	return a, nil
}

// close releases services in reverse order of creation
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

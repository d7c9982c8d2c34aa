package main

import (
	"errors"
	"log/slog"

	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/config"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/policy"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/runner"
	"github.com/opensource-finance/heron/internal/warehouse"
)

// app holds the components shared by every command.
type app struct {
	warehouse *warehouse.SQLProvider
	cache     domain.Cache
	repo      domain.Repository
	runner    *runner.Runner
	catalog   *runner.Catalog

	closers []func() error
}

// newApp connects the warehouse, the dataset cache and the result store, and
// loads the model catalog. withRepo is false for commands that never persist.
func newApp(cfg *domain.Config, withRepo bool) (*app, error) {
	a := &app{}
	logger := slog.Default()

	wh, err := warehouse.Open(cfg.Warehouse, logger)
	if err != nil {
		return nil, err
	}
	a.warehouse = wh
	a.closers = append(a.closers, wh.Close)
	slog.Info("warehouse connected", "driver", cfg.Warehouse.Driver, "schema", cfg.Warehouse.Schema)

	var provider domain.DataProvider = wh
	if cfg.Warehouse.CacheTTL > 0 {
		c, err := cache.New(cfg.Cache)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = c
		a.closers = append(a.closers, c.Close)
		provider = warehouse.NewCachedProvider(wh, c, cfg.Target, cfg.Warehouse.CacheTTL, logger)
		slog.Info("dataset cache enabled", "type", cfg.Cache.Type, "ttl", cfg.Warehouse.CacheTTL)
	}

	if withRepo {
		repo, err := repository.New(cfg.Store)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.repo = repo
		a.closers = append(a.closers, repo.Close)
		slog.Info("result store initialized", "driver", cfg.Store.Driver)
	}

	engine, err := policy.NewEngine(logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = runner.New(provider, engine, runner.Config{
		Target:  cfg.Target,
		Workers: cfg.Runner.Workers,
	}, logger)

	a.catalog, err = runner.NewCatalog(config.ModelLoader(cfg.ModelsPath), a.runner.Validate)
	if err != nil {
		a.Close()
		return nil, err
	}
	slog.Info("models loaded", "path", cfg.ModelsPath, "count", a.catalog.Len())

	return a, nil
}

// model looks a model up by name.
func (a *app) model(name string) (domain.ModelSpec, error) {
	spec, ok := a.catalog.Get(name)
	if !ok {
		return domain.ModelSpec{}, &domain.ConfigError{Field: "model", Reason: "unknown model " + name}
	}
	return spec, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/config"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/tracing"
	"github.com/opensource-finance/heron/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the bus worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"target", cfg.Target,
		"warehouse", cfg.Warehouse.Driver,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	tp, err := tracing.Setup(ctx, cfg.Tracing, Version, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(flushCtx)
	}()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var asyncWorker *worker.Worker
	if cfg.Runner.Async {
		asyncWorker = worker.NewWorker(busImpl, a.repo, a.runner, a.catalog, cfg.Target)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	if cfg.WatchModels {
		watcher := config.NewWatcher(cfg.ModelsPath, 0, func() error {
			n, err := a.catalog.Reload()
			if err == nil {
				slog.Info("models reloaded", "count", n)
			}
			return err
		}, slog.Default())
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("model file watch disabled", "path", cfg.ModelsPath, "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	srv := api.NewServer(cfg.Server, a.runner, a.catalog, a.repo, a.cache, busImpl, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"models", a.catalog.Len(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HERON - anomaly detection for warehouse models")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Target:   %s\n", cfg.Target)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /models                              - List models")
	fmt.Println("    POST /models/reload                       - Reload model definitions")
	fmt.Println("    POST /models/{model}/runs                 - Run a model (?async=true to queue)")
	fmt.Println("    GET  /models/{model}/runs                 - Recent runs")
	fmt.Println("    GET  /models/{model}/anomalies            - Stored findings")
	fmt.Println("    GET  /models/{model}/feature-importance   - Multivariate feature weights")
	fmt.Println("    GET  /models/{model}/segments/summary     - Segment value summary")
	fmt.Println("    GET  /models/{model}/segments/drift       - Weekly segment drift")
	fmt.Println("    GET  /runs/{id}                           - Get run by ID")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}

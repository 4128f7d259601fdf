// Command pipeline runs the driftwatch ingestion pipeline: it pulls sensor
// readings from the upstream providers on a schedule, links them into
// spatiotemporal neighborhoods, and persists everything through the record
// store API. An operational HTTP listener serves health, version, and
// Prometheus metrics alongside the pipeline loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"driftwatch/internal/config"
	"driftwatch/internal/jobs"
	"driftwatch/internal/loader"
	"driftwatch/internal/observability"
	"driftwatch/internal/providers"
	"driftwatch/internal/scheduler"
	"driftwatch/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline exited: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting pipeline",
		"service", cfg.Service,
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	metrics := observability.NewMetrics()
	storeClient := store.NewClient(cfg.Store, logger)

	rosters, err := providers.LoadStations(cfg.Providers.StationsPath)
	if err != nil {
		return fmt.Errorf("loading station rosters: %w", err)
	}

	fleet := providers.NewFleetClient(cfg.Providers, logger)
	drifter := providers.NewDrifterClient(cfg.Providers, logger)
	oscar := providers.NewOscarClient(cfg.Providers, logger)
	noaa := providers.NewNOAAClient(cfg.Providers, rosters["noaa"], logger)
	dfo := providers.NewDFOClient(cfg.Providers, rosters["dfo"], logger)

	ingestor := loader.New(
		storeClient,
		fleet,
		drifter,
		oscar,
		[]providers.StationProvider{noaa, dfo},
		cfg.Ingest,
		metrics,
		logger,
	)

	clock := clockwork.NewRealClock()
	sched := scheduler.New(scheduler.Params{
		Tracker:  jobs.NewTracker(storeClient, clock, logger),
		History:  storeClient,
		Ingestor: ingestor,
		Clock:    clock,
		Config:   cfg.Ingest,
		Metrics:  metrics,
		Logger:   logger,
	})

	ops := observability.NewServer(cfg.Ops, cfg.Build, logger)
	opsErr := make(chan error, 1)
	go func() {
		logger.Info("ops listener starting", "port", cfg.Ops.Port)
		if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opsErr <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	select {
	case err := <-opsErr:
		cancel()
		<-schedErr
		return fmt.Errorf("ops listener failed: %w", err)
	case err := <-schedErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		} else {
			logger.Info("shutdown signal received")
			err = nil
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if shutdownErr := ops.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("ops listener shutdown failed", "error", shutdownErr)
		}

		logger.Info("pipeline stopped")
		return err
	}
}

// newLogger builds the process-wide structured logger. JSON to stdout so the
// log collector gets one parseable record per line.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outpostlabs/edgesync/internal/broker"
	"github.com/outpostlabs/edgesync/internal/capture"
	"github.com/outpostlabs/edgesync/internal/client"
	"github.com/outpostlabs/edgesync/internal/config"
	"github.com/outpostlabs/edgesync/internal/db"
	"github.com/outpostlabs/edgesync/internal/registry"
	"github.com/outpostlabs/edgesync/internal/service"
	"github.com/outpostlabs/edgesync/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outbox, err := db.NewPostgresOutbox(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer outbox.Close()

	reg, err := buildRegistry(outbox, cfg)
	if err != nil {
		slog.Error("Fatal error building entity registry", "error", err)
		os.Exit(1)
	}
	if len(reg.Labels()) == 0 {
		slog.Warn("Entity registry is empty: every inbound change will be skipped",
			"defs_path", cfg.EntityDefsPath)
	}

	recorder := capture.NewRecorder(outbox, reg, logger)
	api := client.NewCentralClient(cfg.CentralBaseURL, cfg.CentralAPIKey, logger)

	var events service.EventPublisher
	if cfg.AMQPURL != "" {
		pub, err := broker.NewPublisher(cfg.AMQPURL, logger)
		if err != nil {
			slog.Warn("Applied-change fanout disabled: broker unreachable", "error", err)
		} else {
			defer pub.Close()
			events = pub
		}
	}

	orchestrator := service.NewOrchestrator(outbox, reg, api, recorder, events, logger, service.Config{
		MaxRetries:   cfg.MaxRetries,
		AckBatchSize: cfg.AckBatchSize,
		SoftBudget:   cfg.SoftCycleBudget,
	})

	go runMetricsServer(cfg.MetricsAddr)

	slog.Info("Edge sync service started",
		"pid", os.Getpid(),
		"central", cfg.CentralBaseURL,
		"poll_interval", cfg.PollInterval,
		"entities", reg.Labels(),
	)

	runSyncLoop(ctx, orchestrator, cfg)
	slog.Info("Shutdown complete")
}

func buildRegistry(outbox *db.PostgresOutbox, cfg *config.Config) (*registry.Registry, error) {
	reg := registry.NewRegistry()

	defs, err := registry.LoadDefinitions(cfg.EntityDefsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return reg, nil
		}
		return nil, err
	}

	for _, def := range defs {
		store, err := db.NewPgEntityStore(outbox.Pool(), def)
		if err != nil {
			return nil, err
		}
		fields, err := def.Descriptors()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(&registry.EntityType{
			Label:  def.Label,
			Fields: fields,
			Store:  store,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// runSyncLoop invokes one sync cycle per tick, each bounded by the hard
// cycle budget. A failed cycle backs off instead of exiting: connectivity
// to the central server is expected to come and go.
func runSyncLoop(ctx context.Context, orchestrator *service.Orchestrator, cfg *config.Config) {
	backoff := infra.NewBackoff(5*time.Second, 5*time.Minute, 2.0)

	for {
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.HardCycleBudget)
		err := orchestrator.RunSyncCycle(cycleCtx)
		cancel()

		switch {
		case err == nil:
			backoff.Reset()
		case errors.Is(err, service.ErrCycleRunning):
			// Previous cycle still in flight; just wait for the next tick.
		case ctx.Err() != nil:
			slog.Info("Shutting down sync loop")
			return
		default:
			wait := backoff.Next()
			slog.Error("Sync cycle failed, backing off", "retry_in", wait, "error", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				slog.Info("Shutting down sync loop")
				return
			}
		}

		select {
		case <-time.After(cfg.PollInterval):
		case <-ctx.Done():
			slog.Info("Shutting down sync loop")
			return
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics listener stopped", "error", err)
	}
}

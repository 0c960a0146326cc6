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

	"github.com/spf13/cobra"

	"github.com/storyforge/genqueue/internal/api"
	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/config"
	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/scheduler"
	"github.com/storyforge/genqueue/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg, os.Stderr)
	logger.Info("starting node",
		slog.String("node_id", cfg.NodeID),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("provider_mode", cfg.ProviderMode),
	)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()

	// Nothing is executing yet, so anything still processing was orphaned by
	// the previous run.
	reset, err := store.ResetProcessing(parent)
	if err != nil {
		return err
	}
	if len(reset) > 0 {
		logger.Warn("recovered orphaned jobs", slog.Int("count", len(reset)))
	}

	images, err := storage.NewStore(outputDir(cfg))
	if err != nil {
		return err
	}

	gen := newGenerator(cfg)

	registry := executor.NewRegistry()
	registry.Register(job.TypeImageGeneration, executor.ImageHandler(gen, images))
	exec := executor.New(store, registry, executor.Config{
		InlineAttempts: cfg.InlineAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
	}, logger)

	sched := scheduler.New(store, exec, scheduler.Config{
		PollInterval:  cfg.PollInterval,
		MaxConcurrent: cfg.MaxConcurrent,
		BatchSize:     cfg.BatchSize,
	}, logger)
	sweeper := scheduler.NewSweeper(store, cfg.RetentionKeep, cfg.RetentionInterval, logger)

	coord := batch.NewCoordinator(gen, batch.Config{
		WaveSize:   cfg.WaveSize,
		Cooldown:   cfg.WaveCooldown,
		MaxRetries: cfg.StreamMaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}, logger)

	router := api.NewRouterWithStorage(cfg, store, coord, registry, images, sched.Kick, logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		sched.Stop()
		drain(sched, logger)
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}

	sched.Stop()
	drain(sched, logger)
	logger.Info("server stopped")
	return nil
}

// drainTimeout bounds how long shutdown waits for in-flight jobs. Jobs still
// running are left as processing and reset on the next start.
const drainTimeout = 30 * time.Second

func drain(sched *scheduler.Scheduler, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := sched.WaitContext(ctx); err != nil {
		logger.Warn("shutdown drain timed out", slog.Int("in_flight", sched.InFlight()), slog.String("error", err.Error()))
	}
}

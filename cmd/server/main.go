// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Command server runs the Aviary engine host: it restores persisted
// engine instances, then serves the administrative and per-instance
// REST surface until terminated.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/aviary-ml/aviary/internal/api"
	"github.com/aviary-ml/aviary/internal/config"
	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/engines"
	"github.com/aviary-ml/aviary/internal/logging"
	"github.com/aviary-ml/aviary/internal/mirror"
	"github.com/aviary-ml/aviary/internal/registry"
	"github.com/aviary-ml/aviary/internal/router"
	"github.com/aviary-ml/aviary/internal/store"
	"github.com/aviary-ml/aviary/internal/supervisor"
	"github.com/aviary-ml/aviary/internal/supervisor/services"
	"github.com/aviary-ml/aviary/internal/trainer"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logger := logging.Logger()

	logger.Info().
		Str("addr", cfg.Addr()).
		Str("metadata_path", cfg.MetadataPath()).
		Str("mirror_path", cfg.MirrorPath()).
		Msg("starting aviary")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable state first: mirror log and instance metadata.
	mirrorCfg := mirror.DefaultConfig(cfg.MirrorPath())
	mirrorCfg.SyncWrites = cfg.Data.SyncWrites
	mirrorCfg.GCRatio = cfg.Data.GCRatio
	mirrorLog, err := mirror.Open(mirrorCfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mirrorLog.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("mirror log close failed")
		}
	}()

	meta, err := store.OpenBadger(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := meta.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("metadata store close failed")
		}
	}()

	// Engine types, lifecycle, and dispatch.
	factories := engine.NewFactoryRegistry()
	engines.Register(factories)

	orch := trainer.New(logger)

	var sched *trainer.Scheduler
	var schedHook registry.TrainScheduler
	if cfg.Scheduler.Enabled {
		sched = trainer.NewScheduler(orch, logger)
		schedHook = sched
	}

	reg := registry.New(factories, meta, orch, schedHook, logger)
	rt := router.New(reg, orch, mirrorLog, logger)

	var ready atomic.Bool
	handler := api.NewHandler(reg, rt, ready.Load)

	httpHandler := api.NewRouter(handler, api.RouterConfig{
		RateLimitReqs:   rateLimit(cfg),
		RateLimitWindow: cfg.API.RateLimitWindow,
	})
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervision tree: mirror maintenance under data, serving under api.
	tree := supervisor.NewTree(logging.Slog(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddDataService(services.NewMirrorGCService(mirrorLog, cfg.Data.GCInterval, logger))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	if sched != nil {
		tree.AddAPIService(sched)
	}

	errCh := tree.ServeBackground(ctx)

	// Restore persisted instances while the listener is already up; the
	// readiness probe flips once restore completes.
	if failures := reg.RestoreAll(ctx); len(failures) > 0 {
		for _, f := range failures {
			logger.Error().Str("engine_id", f.EngineID).Err(f.Err).Msg("instance not restored")
		}
	}
	ready.Store(true)
	logger.Info().Int("instances", len(reg.List())).Msg("aviary ready")

	err = <-errCh
	if err != nil && ctx.Err() != nil {
		// Supervisor returns the cancellation on clean shutdown.
		err = nil
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}

	logger.Info().Msg("aviary stopped")
	return err
}

func rateLimit(cfg *config.Config) int {
	if cfg.API.RateLimitDisabled {
		return 0
	}
	return cfg.API.RateLimitReqs
}

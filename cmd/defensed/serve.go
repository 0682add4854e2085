package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-defense/pkg/api"
	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the defense admin API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// runServe wires the engine, loads the catalog and serves until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting defensed",
		"address", cfg.Server.Address,
		"catalog", cfg.Catalog.File,
		"builtins", cfg.Catalog.IncludeBuiltins,
	)

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	comps, err := buildComponents(ctx, cfg, logger, buildOptions{Networked: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error("failed to release backends", "error", err)
		}
		logger.Info("observation workers stopped", "learned_paths", len(comps.learner.Snapshot()))
	}()

	var provider *config.FileCatalogProvider
	if cfg.Catalog.File != "" {
		provider, err = config.NewFileCatalogProvider(cfg.Catalog.File, comps.store, logger)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		if cfg.Catalog.Watch {
			if err := provider.Watch(ctx); err != nil {
				return err
			}
		}
	}

	server, err := api.New(api.Config{
		Evaluator:  comps.engine,
		Simulator:  comps.simulator,
		Store:      comps.store,
		Metrics:    comps.metrics,
		Logger:     logger,
		FieldStats: comps.learner.Snapshot,
		Ready:      comps.ready,
	})
	if err != nil {
		return err
	}
	return server.Run(ctx, cfg.Server)
}

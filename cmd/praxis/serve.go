package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxisworks/praxis/internal/config"
	"github.com/praxisworks/praxis/internal/orchestrator"
)

// shutdownTimeout bounds graceful shutdown before the process exits anyway.
const shutdownTimeout = 30 * time.Second

// buildServeCmd creates the "serve" command that runs the full agent
// process: channel adapters, reasoning engine, scheduler, cluster master
// and web surface, per the configuration.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server",
		Long: `Start the agent server with all configured channels and providers.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  praxis serve

  # Start with custom config and debug logging
  praxis serve --config /etc/praxis/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}

	rt, err := orchestrator.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	logger.Info("praxis serving", "version", version)

	watcher := config.NewWatcher(configPath, rt.ApplyConfig, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	waitForSignal(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.Stop(shutdownCtx)
}

// waitForSignal blocks until SIGINT/SIGTERM or context cancellation.
func waitForSignal(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
	case <-ctx.Done():
	}
}

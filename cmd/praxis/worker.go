package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/praxisworks/praxis/internal/cluster"
	"github.com/praxisworks/praxis/internal/config"
	"github.com/praxisworks/praxis/internal/orchestrator"
)

// buildWorkerCmd creates the "worker" command: a headless reasoning process
// that connects to a master's control bus and serves handle_request
// commands. Workers run their own engine and session store; they expose no
// channels, scheduler, or web surface.
func buildWorkerCmd() *cobra.Command {
	var (
		configPath string
		masterURL  string
		workerID   string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a cluster worker",
		Example: `  # Join the local master
  praxis worker --master ws://127.0.0.1:7600/cluster`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configPath, masterURL, workerID, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&masterURL, "master", "", "Master control bus URL (overrides cluster.master_url)")
	cmd.Flags().StringVar(&workerID, "id", "", "Worker id (default worker-<random>)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runWorker(ctx context.Context, configPath, masterURL, workerID string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	if masterURL == "" {
		masterURL = cfg.Cluster.MasterURL
	}
	if masterURL == "" {
		return fmt.Errorf("no master url: pass --master or set cluster.master_url")
	}
	masterURL = normalizeBusURL(masterURL)

	// The worker reuses the serve-mode wiring minus every outward surface.
	cfg.Channels = config.ChannelsConfig{}
	cfg.Scheduler.Enabled = false
	cfg.Cluster.Enabled = false

	rt, err := orchestrator.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rt.Stop(shutdownCtx)
	}()

	worker := cluster.NewWorker(cluster.WorkerConfig{
		ID:        workerID,
		MasterURL: masterURL,
		Logger:    logger,
	}, rt.Orchestrator().RunPayload)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		waitForSignal(ctx)
		cancel()
	}()
	logger.Info("worker connecting", "master", masterURL)
	return worker.Run(runCtx)
}

// normalizeBusURL fills in the websocket scheme and bus path when the
// operator passes a bare host:port.
func normalizeBusURL(u string) string {
	if !strings.Contains(u, "://") {
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/cluster") {
		u = strings.TrimRight(u, "/") + "/cluster"
	}
	return u
}

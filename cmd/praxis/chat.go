package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/praxisworks/praxis/internal/config"
	"github.com/praxisworks/praxis/internal/orchestrator"
)

// buildChatCmd creates the "chat" command: an interactive conversation on
// the local terminal, using the same engine and session store as serve mode
// but with only the CLI channel attached.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent on the terminal",
		Example: `  praxis chat
  praxis chat --config praxis.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runChat(ctx context.Context, configPath string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}

	// Terminal only: no platform adapters, no web, no cluster.
	cfg.Channels = config.ChannelsConfig{CLI: config.CLIConfig{Enabled: true}}
	cfg.Scheduler.Enabled = false
	cfg.Cluster.Enabled = false

	rt, err := orchestrator.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	fmt.Println("已连接。输入消息开始对话，/stop 取消当前任务，Ctrl+C 退出。")
	waitForSignal(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.Stop(shutdownCtx)
}

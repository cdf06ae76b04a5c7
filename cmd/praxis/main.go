// Package main is the praxis CLI: one binary that runs the serve-mode
// process, a cluster worker, a local terminal chat, and the scheduled-task
// management commands.
//
// Basic usage:
//
//	praxis serve --config praxis.yaml
//	praxis worker --master ws://127.0.0.1:7600/cluster
//	praxis chat
//	praxis tasks list
//
// The configuration path defaults to praxis.yaml and may be set through the
// PRAXIS_CONFIG environment variable.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/praxisworks/praxis/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "praxis",
		Short:        "Praxis - multi-channel AI agent",
		Long:         "Praxis connects messaging platforms to LLM providers with tool execution,\nscheduled tasks, and an optional master-worker cluster.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildChatCmd(),
		buildTasksCmd(),
	)
	return rootCmd
}

// defaultConfigPath resolves the configuration file location.
func defaultConfigPath() string {
	if env := strings.TrimSpace(os.Getenv("PRAXIS_CONFIG")); env != "" {
		return env
	}
	return "praxis.yaml"
}

// loadConfig reads the config file and reconfigures the default logger from
// its logging section.
func loadConfig(path string, debug bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}

	level := parseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-observer/internal/config"
)

type rootOptions struct {
	configFile string
	logLevel   string
	output     io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{output: os.Stderr}
	cmd := &cobra.Command{
		Use:           "crab-observer",
		Short:         "Observability event server for AI agent platforms",
		Long:          "Ingests canonical agent events over HTTP, stores them in sequence order,\nand serves queries, analytics and live WebSocket streams.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to observer YAML config (overrides "+config.EnvConfigFile+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newVersionCmd())
	return cmd
}

// load resolves the config once for a command, honouring --config and
// --log-level.
func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	if o.configFile != "" {
		if err := os.Setenv(config.EnvConfigFile, o.configFile); err != nil {
			return config.Config{}, nil, fmt.Errorf("set %s: %w", config.EnvConfigFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(o.output, cfg.LogLevel, cfg.LogFormat), nil
}

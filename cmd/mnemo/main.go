// Command mnemo runs the memory service and offers operator commands for
// inspecting and clearing stored memory.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemo/internal/config"
	"github.com/ent0n29/mnemo/internal/logging"
)

const rootLongDesc string = `mnemo gives a conversational agent durable memory.

It records every turn, extracts facts from answers, injects remembered
facts into new threads and resolves tool-approval requests on the agent's
behalf.

Run the service using:
  mnemo serve

Inspect memory without the server:
  mnemo facts list <userId>
  mnemo facts clear <userId>
  mnemo threads list <userId>
  mnemo thread show <threadId>
  mnemo extract < answer.txt`

// cli holds state shared by subcommands once the root pre-run has loaded it.
type cli struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File

	envFile   string
	logLevel  string
	logFormat string
	logPath   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "mnemo",
		Short:         "Memory and tool-approval layer for conversational agents",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if c.logFile != nil {
				return c.logFile.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Load variables from this file when present")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (debug|info), overrides APP_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format (text|json|pretty), overrides APP_LOG_FORMAT")
	cmd.PersistentFlags().StringVar(&c.logPath, "log-file", "", "Also append JSON logs to this file")

	cmd.AddCommand(
		newServeCmd(c),
		newFactsCmd(c),
		newThreadsCmd(c),
		newThreadCmd(c),
		newExtractCmd(),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	if err := config.LoadEnvFile(c.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		cfg.LogFormat = c.logFormat
	}
	c.cfg = cfg

	opts := append(logging.FromFlags(cfg.LogLevel, cfg.LogFormat), logging.WithWriter(cmd.ErrOrStderr()))
	logger := logging.New(opts...)
	if c.logPath != "" {
		f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		c.logFile = f
		fileLogger := logging.New(
			logging.WithJSON(true),
			logging.WithDebug(cfg.LogLevel == "debug"),
			logging.WithWriter(f),
		)
		logger = logging.Multi(logger, fileLogger)
	}
	c.logger = logger
	return nil
}

// Package commands provides the artemis CLI: running pipelines, inspecting
// the board, and managing configuration.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artemishq/artemis/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "artemis"
)

// ExitError carries an explicit process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := Root().Execute(); err != nil {
		var xerr *ExitError
		if errors.As(err, &xerr) {
			if xerr.Err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", xerr.Err)
			}
			return xerr.Code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// Root builds the artemis command tree.
func Root() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Supervised pipeline orchestration for kanban cards",
		Long: `Artemis drives kanban cards through a fixed development pipeline:
analysis, architecture, dependencies, parallel development with
arbitration, code review, validation, integration, and testing.

Every stage runs under supervision with retries, timeouts, and circuit
breakers. Failed stages trigger recovery workflows, failed reviews send
the card back to development with feedback, and every run produces a
full JSON report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newBoardCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// newLogger configures slog from the --log-level flag and installs it as
// the process default.
func (o *rootOptions) newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(o.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig resolves configuration: an explicit --config file wins, else
// the layered loader (defaults, user config, project config, env).
func (o *rootOptions) loadConfig(logger *slog.Logger) (*config.Config, error) {
	if o.configPath != "" {
		cfg, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

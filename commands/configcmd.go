package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artemishq/artemis/config"
	"github.com/artemishq/artemis/orchestrator"
)

// newConfigCmd builds the `artemis config` command group.
func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage artemis configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the user config file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()
			loader := config.NewLoader(logger)
			if err := loader.EnsureUserConfig(); err != nil {
				return fmt.Errorf("create user config: %w", err)
			}
			fmt.Println("User config ready")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective merged configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	})

	return cmd
}

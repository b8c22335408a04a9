package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/orchestrator"
)

// newBoardCmd builds the `artemis board` command: list the board's columns
// and cards.
func newBoardCmd(opts *rootOptions) *cobra.Command {
	var boardPath string

	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the kanban board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()

			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
			}
			if boardPath != "" {
				cfg.Board.Path = boardPath
			}

			board, err := kanban.OpenBoard(cfg.Board.Path, logger)
			if err != nil {
				return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
			}
			defer board.Close()

			for _, col := range board.Columns() {
				fmt.Printf("%s (%d)\n", col.ID, len(col.Cards))
				for _, card := range col.Cards {
					fmt.Printf("  %-12s %-8s %dpt  %s\n", card.ID, card.Priority, card.StoryPoints, card.Title)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&boardPath, "board", "", "Kanban board file (overrides config)")
	return cmd
}

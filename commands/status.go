package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/artemishq/artemis/orchestrator"
	"github.com/artemishq/artemis/statemachine"
)

// newStatusCmd builds the `artemis status` command: report the last known
// outcome for a card, from its report file or its state snapshot.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <card-id>",
		Short: "Show the last pipeline outcome for a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()
			cardID := args[0]

			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
			}

			reportPath := filepath.Join(cfg.Reports.Dir, fmt.Sprintf("pipeline_full_report_%s.json", cardID))
			if data, err := os.ReadFile(reportPath); err == nil {
				var report orchestrator.Report
				if err := json.Unmarshal(data, &report); err != nil {
					return fmt.Errorf("parse report %s: %w", reportPath, err)
				}
				printReportSummary(&report)
				fmt.Printf("  final state: %s\n", report.FinalState)
				return nil
			}

			// No report yet; fall back to the state snapshot.
			snapshots, err := statemachine.NewSnapshotStore(cfg.State.Dir, logger)
			if err != nil {
				return &ExitError{Code: orchestrator.ExitConfigInvalid, Err: err}
			}
			snap, err := snapshots.Load(cardID)
			if err != nil || snap == nil {
				fmt.Printf("No pipeline history for card %s\n", cardID)
				return nil
			}
			fmt.Printf("Card %s: state %s (snapshot %s)\n", cardID, snap.State, snap.Timestamp.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	return cmd
}

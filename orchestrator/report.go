package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/statemachine"
	"github.com/artemishq/artemis/supervisor"
)

// Pipeline run statuses.
const (
	StatusCompleted    = "COMPLETED_SUCCESSFULLY"
	StatusFailedReview = "FAILED_CODE_REVIEW"
	StatusAborted      = "ABORTED"

	failedStagePrefix = "FAILED_STAGE:"
)

// FailedStageStatus builds the status for a run that died at one stage.
func FailedStageStatus(stageName string) string {
	return failedStagePrefix + stageName
}

// Process exit codes for the run command.
const (
	ExitOK            = 0
	ExitGeneralError  = 1
	ExitReviewFailed  = 2
	ExitStageFailed   = 3
	ExitConfigInvalid = 4
	ExitCardNotFound  = 5
)

// ExitCode maps a finished run (or a run that never started) to the
// process exit code.
func ExitCode(report *Report, err error) int {
	if err != nil {
		var confErr *ConfigurationError
		switch {
		case kanban.IsCardNotFound(err):
			return ExitCardNotFound
		case errors.As(err, &confErr):
			return ExitConfigInvalid
		default:
			return ExitGeneralError
		}
	}
	if report == nil {
		return ExitGeneralError
	}
	switch {
	case report.Status == StatusCompleted:
		return ExitOK
	case report.Status == StatusFailedReview:
		return ExitReviewFailed
	case strings.HasPrefix(report.Status, failedStagePrefix):
		return ExitStageFailed
	default:
		return ExitGeneralError
	}
}

// StageReport is one stage's line in the final report.
type StageReport struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Retries         int     `json:"retries"`
}

// RetryHistoryEntry records one review-driven redevelopment attempt.
type RetryHistoryEntry struct {
	Attempt        int    `json:"attempt"`
	ReviewResult   string `json:"review_result"`
	CriticalIssues int    `json:"critical_issues"`
	HighIssues     int    `json:"high_issues"`
}

// Report is the full pipeline run report, written as
// pipeline_full_report_<card_id>.json.
type Report struct {
	CardID          string                    `json:"card_id"`
	Status          string                    `json:"status"`
	Stages          []StageReport             `json:"stages"`
	ReviewRetries   int                       `json:"total_retries"`
	RetryHistory    []RetryHistoryEntry       `json:"retry_history,omitempty"`
	StartTime       time.Time                 `json:"started_at"`
	EndTime         time.Time                 `json:"ended_at"`
	DurationSeconds float64                   `json:"duration_seconds"`
	FinalState      statemachine.State        `json:"final_state"`
	Health          *supervisor.HealthReport  `json:"health,omitempty"`
	Context         map[string]any            `json:"context,omitempty"`
	Transitions     []statemachine.Transition `json:"transitions,omitempty"`
}

func newReport(cardID string) *Report {
	return &Report{
		CardID:    cardID,
		StartTime: time.Now().UTC(),
	}
}

func (r *Report) addStage(name, status, reason string, duration time.Duration, retries int) {
	r.Stages = append(r.Stages, StageReport{
		Name:            name,
		Status:          status,
		Reason:          reason,
		DurationSeconds: duration.Seconds(),
		Retries:         retries,
	})
}

func (r *Report) finalize(machine *statemachine.Machine, health *supervisor.HealthReport, context map[string]any) {
	r.EndTime = time.Now().UTC()
	r.DurationSeconds = r.EndTime.Sub(r.StartTime).Seconds()
	if machine != nil {
		r.FinalState = machine.Current()
		r.Transitions = machine.History()
	}
	r.Health = health
	r.Context = context
}

// Succeeded reports whether the run completed.
func (r *Report) Succeeded() bool {
	return r.Status == StatusCompleted
}

// Write persists the report to dir and returns the file path.
func (r *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("pipeline_full_report_%s.json", r.CardID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

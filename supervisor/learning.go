package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/artemishq/artemis/rag"
	"github.com/artemishq/artemis/stage"
	"github.com/artemishq/artemis/workflow"
)

// Advisor proposes a recovery workflow for an issue, typically from
// accumulated run history. Nil or a nil proposal falls back to the engine's
// registered workflow.
type Advisor interface {
	Propose(ctx context.Context, issue workflow.IssueType, stageName string, shared map[string]any) (*workflow.Workflow, error)
}

// Recoverer runs recovery workflows for failed stages and stores the
// outcomes so future runs can learn from them.
type Recoverer struct {
	supervisor *Supervisor
	engine     *workflow.Engine
	advisor    Advisor
	store      rag.Store
}

// NewRecoverer wires the workflow engine to the supervisor's breakers and
// the knowledge store. Advisor and store may be nil.
func NewRecoverer(s *Supervisor, engine *workflow.Engine, advisor Advisor, store rag.Store) *Recoverer {
	engine.ResetCircuit = s.ResetCircuit
	return &Recoverer{supervisor: s, engine: engine, advisor: advisor, store: store}
}

// Recover classifies the stage failure and executes the matching recovery
// workflow. The shared map is mutated by the workflow's actions; callers
// inspect it afterwards (retry_stage, timeout_seconds).
func (r *Recoverer) Recover(ctx context.Context, stageName string, res stage.Result, execErr error, shared map[string]any) (bool, error) {
	issue := ClassifyFailure(stageName, res, execErr)
	if shared == nil {
		shared = make(map[string]any)
	}
	shared["stage"] = stageName

	if r.advisor != nil {
		proposal, err := r.advisor.Propose(ctx, issue, stageName, shared)
		if err != nil {
			r.supervisor.logger.Warn("Advisor proposal failed", "issue", issue, "error", err)
		} else if proposal != nil {
			proposal.IssueType = issue
			r.engine.Register(proposal)
		}
	}

	recovered, err := r.engine.ExecuteWorkflow(ctx, issue, stageName, shared)
	if err != nil {
		return false, fmt.Errorf("recovery for %s: %w", stageName, err)
	}
	if recovered && r.store != nil {
		r.storeLearnedSolution(ctx, stageName, issue, shared)
	}
	return recovered, nil
}

// storeLearnedSolution records what fixed the issue; retrieval during
// project analysis surfaces it to future runs. Best effort.
func (r *Recoverer) storeLearnedSolution(ctx context.Context, stageName string, issue workflow.IssueType, shared map[string]any) {
	history := r.engine.History()
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	content := fmt.Sprintf("Recovered %s at stage %s using workflow %s (actions: %v)",
		issue, stageName, last.WorkflowName, last.ActionsTaken)
	_, err := r.store.StoreArtifact(ctx, "learned_solution", content, map[string]any{
		"issue":    string(issue),
		"stage":    stageName,
		"workflow": last.WorkflowName,
		"outcome":  "success",
	})
	if err != nil {
		r.supervisor.logger.Warn("Failed to store learned solution", "issue", issue, "error", err)
	}
}

// stageIssueDefaults maps a stage's FAIL result to its characteristic
// issue type when nothing more specific is known.
var stageIssueDefaults = map[string]workflow.IssueType{
	"project_analysis": workflow.IssueInvalidCard,
	"architecture":     workflow.IssueArchitectureInvalid,
	"dependencies":     workflow.IssueMissingDependency,
	"development":      workflow.IssueCompilationError,
	"code_review":      workflow.IssueCodeReviewFailed,
	"validation":       workflow.IssueValidationFailed,
	"integration":      workflow.IssueIntegrationConflict,
	"testing":          workflow.IssueTestFailure,
}

// ClassifyFailure derives the issue type from how the stage failed.
func ClassifyFailure(stageName string, res stage.Result, execErr error) workflow.IssueType {
	var timeout *TimeoutError
	switch {
	case errors.As(execErr, &timeout), errors.Is(execErr, context.DeadlineExceeded):
		return workflow.IssueTimeout
	}
	if res != nil {
		if named, ok := res["issue_type"].(string); ok {
			issue := workflow.IssueType(named)
			if issue.IsValid() {
				return issue
			}
		}
	}
	if issue, ok := stageIssueDefaults[stageName]; ok {
		return issue
	}
	return workflow.IssueValidationFailed
}

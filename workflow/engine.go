package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artemishq/artemis/statemachine"
)

// Workflow binds one IssueType to an ordered remediation sequence.
type Workflow struct {
	Name              string             `json:"name"`
	IssueType         IssueType          `json:"issue_type"`
	Actions           []Action           `json:"actions"`
	SuccessState      statemachine.State `json:"success_state"`
	FailureState      statemachine.State `json:"failure_state"`
	RollbackOnFailure bool               `json:"rollback_on_failure"`
}

// WorkflowExecution records one recovery attempt.
type WorkflowExecution struct {
	WorkflowName string    `json:"workflow_name"`
	IssueType    IssueType `json:"issue_type"`
	Success      bool      `json:"success"`
	ActionsTaken []string  `json:"actions_taken"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Error        string    `json:"error,omitempty"`
}

// UnregisteredIssueError indicates a configuration bug: an IssueType with
// no workflow bound to it.
type UnregisteredIssueError struct {
	Issue IssueType
}

func (e *UnregisteredIssueError) Error() string {
	return fmt.Sprintf("no workflow registered for issue type %s", e.Issue)
}

// Engine maps issues to workflows and runs them, transitioning the state
// machine around the remediation sequence.
type Engine struct {
	machine  *statemachine.Machine
	logger   *slog.Logger
	handlers map[string]Handler

	mu        sync.Mutex
	workflows map[IssueType]*Workflow
	history   []WorkflowExecution

	// ResetCircuit is forwarded into every ActionContext so the
	// reset_circuit handler can reach the supervisor's breakers.
	ResetCircuit func(stage string)
}

// NewEngine builds an engine over the default workflow registry and the
// builtin action handlers.
func NewEngine(machine *statemachine.Machine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		machine:   machine,
		logger:    logger,
		handlers:  BuiltinHandlers(),
		workflows: DefaultWorkflows(),
	}
}

// Register binds a workflow to its issue type, replacing any previous one.
func (e *Engine) Register(wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.IssueType] = wf
}

// RegisterHandler installs or replaces an action handler.
func (e *Engine) RegisterHandler(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Validate checks registry completeness: every IssueType needs exactly one
// workflow whose actions all resolve to handlers.
func (e *Engine) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, issue := range AllIssueTypes() {
		wf, ok := e.workflows[issue]
		if !ok {
			return &UnregisteredIssueError{Issue: issue}
		}
		if len(wf.Actions) == 0 {
			return fmt.Errorf("workflow %s has no actions", wf.Name)
		}
		for _, action := range wf.Actions {
			if _, ok := e.handlers[action.Name]; !ok {
				return fmt.Errorf("workflow %s: unknown action handler %q", wf.Name, action.Name)
			}
		}
	}
	return nil
}

// History returns a copy of the execution history.
func (e *Engine) History() []WorkflowExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]WorkflowExecution(nil), e.history...)
}

// ExecuteWorkflow runs the workflow registered for the issue. The shared
// map carries recovery context in and handler outcomes back out. The
// returned bool is the workflow verdict; the error is reserved for
// configuration problems and cancellation.
func (e *Engine) ExecuteWorkflow(ctx context.Context, issue IssueType, stage string, shared map[string]any) (bool, error) {
	e.mu.Lock()
	wf, ok := e.workflows[issue]
	e.mu.Unlock()
	if !ok {
		return false, &UnregisteredIssueError{Issue: issue}
	}
	if shared == nil {
		shared = make(map[string]any)
	}

	e.machine.AddIssue(string(issue))
	if err := e.machine.Fire(statemachine.EventRecoveryStart, wf.Name, map[string]any{"issue": string(issue)}); err != nil {
		// The machine may already be mid-recovery; keep going, the
		// rejected transition stays on record as a diagnostic.
		e.logger.Debug("Recovery transition rejected", "workflow", wf.Name, "error", err)
	}
	e.machine.Push(statemachine.StateRecovering, map[string]any{"issue": string(issue), "stage": stage})

	exec := WorkflowExecution{
		WorkflowName: wf.Name,
		IssueType:    issue,
		StartTime:    time.Now().UTC(),
	}

	actx := &ActionContext{
		CardID:       e.machine.CardID(),
		Stage:        stage,
		Issue:        issue,
		Shared:       shared,
		ResetCircuit: e.ResetCircuit,
	}

	failedAction, err := e.runActions(ctx, wf, actx, &exec)
	exec.EndTime = time.Now().UTC()

	if err == nil {
		if _, perr := e.machine.Pop(); perr != nil {
			e.logger.Warn("Recovery frame already unwound", "workflow", wf.Name, "error", perr)
		}
		if terr := e.machine.Transition(wf.SuccessState, statemachine.EventRecoverySuccess, wf.Name, nil); terr != nil {
			e.logger.Debug("Recovery success transition rejected", "workflow", wf.Name, "error", terr)
		}
		e.machine.ClearIssues()
		exec.Success = true
		e.record(exec)
		e.logger.Info("Recovery workflow succeeded",
			"workflow", wf.Name, "issue", issue, "actions", len(exec.ActionsTaken))
		return true, ctx.Err()
	}

	exec.Error = fmt.Sprintf("action %s: %v", failedAction, err)
	if wf.RollbackOnFailure {
		if rerr := e.machine.RollbackToState(statemachine.StateRunning); rerr != nil {
			e.logger.Warn("Rollback target missing", "workflow", wf.Name, "error", rerr)
			if _, perr := e.machine.Pop(); perr != nil {
				e.logger.Debug("Recovery frame already unwound", "error", perr)
			}
		}
	} else {
		if _, perr := e.machine.Pop(); perr != nil {
			e.logger.Debug("Recovery frame already unwound", "error", perr)
		}
	}
	if terr := e.machine.Transition(wf.FailureState, statemachine.EventRecoveryFail, exec.Error, nil); terr != nil {
		e.logger.Debug("Recovery failure transition rejected", "workflow", wf.Name, "error", terr)
	}
	e.record(exec)
	e.logger.Warn("Recovery workflow failed",
		"workflow", wf.Name, "issue", issue, "failed_action", failedAction, "error", err)
	return false, ctx.Err()
}

// runActions executes the workflow's actions in order with per-action
// retries, returning the failing action's name on terminal failure.
func (e *Engine) runActions(ctx context.Context, wf *Workflow, actx *ActionContext, exec *WorkflowExecution) (string, error) {
	for _, action := range wf.Actions {
		e.mu.Lock()
		handler, ok := e.handlers[action.Name]
		e.mu.Unlock()
		if !ok {
			return action.Name, fmt.Errorf("unknown action handler %q", action.Name)
		}

		attempts := 1
		if action.RetryOnFailure && action.MaxRetries > 0 {
			attempts += action.MaxRetries
		}

		actx.Params = action.Params
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			if ctx.Err() != nil {
				return action.Name, ctx.Err()
			}
			msg, err := handler(ctx, actx)
			if err == nil {
				exec.ActionsTaken = append(exec.ActionsTaken, action.Name)
				e.logger.Debug("Recovery action succeeded",
					"workflow", wf.Name, "action", action.Name, "attempt", attempt, "result", msg)
				lastErr = nil
				break
			}
			lastErr = err
			e.logger.Debug("Recovery action failed",
				"workflow", wf.Name, "action", action.Name, "attempt", attempt, "error", err)
		}
		if lastErr != nil {
			return action.Name, lastErr
		}
	}
	return "", nil
}

func (e *Engine) record(exec WorkflowExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, exec)
}

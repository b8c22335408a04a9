// Package orchestrator drives one card through the full supervised
// pipeline: fixed stage order, code-review retry loop, recovery workflows
// on failure, and a final JSON report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/messenger"
	"github.com/artemishq/artemis/rag"
	"github.com/artemishq/artemis/stage"
	"github.com/artemishq/artemis/statemachine"
	"github.com/artemishq/artemis/supervisor"
	"github.com/artemishq/artemis/workflow"
	"github.com/sony/gobreaker"
)

// Board columns the orchestrator moves cards through.
const (
	ColumnInProgress = "in_progress"
	ColumnDone       = "done"
	ColumnBlocked    = "blocked"
)

// DefaultMaxReviewRetries bounds the development/code-review loop when the
// caller passes no explicit budget.
const DefaultMaxReviewRetries = 2

// reviewFeedbackIssues caps how many findings are handed back to the next
// development attempt.
const reviewFeedbackIssues = 10

// ConfigurationError means the orchestrator cannot start: missing handles,
// an incomplete stage registry, or an unsound workflow registry.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid pipeline configuration: " + e.Reason
}

// Options wires the orchestrator. Board is required; everything else has a
// working default or degrades gracefully when nil.
type Options struct {
	Board     *kanban.Board
	Registry  *stage.Registry
	Messenger messenger.Messenger
	RAG       rag.Store
	Snapshots *statemachine.SnapshotStore
	Logger    *slog.Logger
	Metrics   *supervisor.Metrics
	Budget    *supervisor.BudgetTracker
	Advisor   supervisor.Advisor
	Sandbox   *supervisor.Sandbox

	ReportDir  string
	Strategies map[string]supervisor.RecoveryStrategy

	// MaxParallelDevelopers bounds the development worker pool when the
	// default registry is built; <= 0 uses the stage package default.
	MaxParallelDevelopers int

	// RetryOnNeedsImprovement makes a NEEDS_IMPROVEMENT verdict spend a
	// review retry instead of proceeding. Off by default.
	RetryOnNeedsImprovement bool
}

// Orchestrator runs full pipelines. Safe for sequential reuse across cards;
// each run gets its own state machine and supervisor, but circuit breakers
// are shared so an open circuit outlives a single run.
type Orchestrator struct {
	opts     Options
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// New validates the wiring and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Board == nil {
		return nil, &ConfigurationError{Reason: "no kanban board attached"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = stage.DefaultRegistry(stage.Deps{
			RAG:                   opts.RAG,
			Messenger:             opts.Messenger,
			Logger:                logger,
			MaxParallelDevelopers: opts.MaxParallelDevelopers,
		})
	}
	for _, name := range stage.Order {
		if _, err := opts.Registry.Get(name); err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q missing from registry", name)}
		}
	}
	for name, strategy := range opts.Strategies {
		if err := strategy.Validate(); err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("strategy for %s: %v", name, err)}
		}
	}
	return &Orchestrator{
		opts:     opts,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// RunFullPipeline drives the card through every stage. maxReviewRetries
// bounds how often a failed code review can send the card back to
// development: zero means a failed review is terminal on the first verdict,
// negative uses DefaultMaxReviewRetries. The returned error is reserved for
// runs that never produced a report (unknown card, invalid configuration,
// cancellation before start).
func (o *Orchestrator) RunFullPipeline(ctx context.Context, cardID string, maxReviewRetries int) (*Report, error) {
	if maxReviewRetries < 0 {
		maxReviewRetries = DefaultMaxReviewRetries
	}

	card, err := o.opts.Board.GetCard(cardID)
	if err != nil {
		return nil, err
	}
	if err := card.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	machine := statemachine.New(cardID, o.opts.Snapshots, o.logger)
	o.restorePrevious(machine, cardID)

	engine := workflow.NewEngine(machine, o.logger)
	if err := engine.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	sup := supervisor.New(supervisor.Options{
		Machine:    machine,
		Messenger:  o.opts.Messenger,
		Logger:     o.logger,
		Metrics:    o.opts.Metrics,
		Budget:     o.opts.Budget,
		Strategies: o.opts.Strategies,
		Breakers:   o.breakers,
	})
	recoverer := supervisor.NewRecoverer(sup, engine, o.opts.Advisor, o.opts.RAG)

	if err := machine.Fire(statemachine.EventStart, "pipeline start", nil); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("cannot start from state %s", machine.Current())}
	}
	if err := machine.Fire(statemachine.EventComplete, "initialized", nil); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	machine.Push(statemachine.StateRunning, map[string]any{"card_id": cardID})

	o.moveCard(cardID, ColumnInProgress)
	o.broadcast(ctx, cardID, "pipeline_started", map[string]any{"card_title": card.Title})

	report := newReport(cardID)
	pctx := stage.NewContext()

	order := stage.Order
	reviewRetries := 0
	for i := 0; i < len(order); i++ {
		name := order[i]
		st, err := o.opts.Registry.Get(name)
		if err != nil {
			return nil, &ConfigurationError{Reason: err.Error()}
		}

		start := time.Now()
		res, execErr := o.runStage(ctx, sup, recoverer, machine, st, card, pctx)
		elapsed := time.Since(start)
		retries := 0
		if info, ok := machine.StageInfoFor(name); ok {
			retries = info.RetryCount
		}

		if ctx.Err() != nil {
			report.addStage(name, StatusAborted, ctx.Err().Error(), elapsed, retries)
			return o.finishAborted(ctx, machine, sup, pctx, report, cardID), nil
		}
		if execErr != nil || res.Failed() {
			reason := ""
			if execErr != nil {
				reason = execErr.Error()
			} else {
				reason, _ = res["reason"].(string)
			}
			report.addStage(name, stage.StatusFail, reason, elapsed, retries)
			return o.finishFailed(ctx, machine, sup, pctx, report, cardID, name, reason), nil
		}
		if res.Skipped() {
			if reason, _ := res["reason"].(string); reason == "circuit_open" {
				if ferr := machine.Fire(statemachine.EventFail, "circuit open for "+name, nil); ferr != nil {
					o.logger.Debug("Circuit failure transition rejected", "card_id", cardID, "error", ferr)
				}
				report.addStage(name, stage.StatusSkip, reason, elapsed, retries)
				return o.finishFailed(ctx, machine, sup, pctx, report, cardID, name, "circuit breaker open"), nil
			}
		}

		if name == "development" && o.opts.Sandbox != nil {
			if reason := o.scanWorkerOutput(ctx, cardID, res); reason != "" {
				if ferr := machine.Fire(statemachine.EventFail, reason, nil); ferr != nil {
					o.logger.Debug("Sandbox failure transition rejected", "card_id", cardID, "error", ferr)
				}
				report.addStage(name, stage.StatusFail, reason, elapsed, retries)
				return o.finishFailed(ctx, machine, sup, pctx, report, cardID, name, reason), nil
			}
		}

		if serr := pctx.SetStageResult(name, res); serr != nil {
			report.addStage(name, stage.StatusFail, serr.Error(), elapsed, retries)
			return o.finishFailed(ctx, machine, sup, pctx, report, cardID, name, serr.Error()), nil
		}
		report.addStage(name, res.Status(), "", elapsed, retries)
		o.broadcast(ctx, cardID, "stage_completed", map[string]any{
			"stage":  name,
			"status": res.Status(),
		})
		o.recordArtifact(ctx, "stage_result",
			fmt.Sprintf("stage %s finished with %s for card %s", name, res.Status(), cardID),
			map[string]any{"card_id": cardID, "stage": name, "status": res.Status()})

		if name != "code_review" {
			continue
		}

		review := stage.ReviewReportFrom(pctx)
		if review == nil {
			return o.finishFailed(ctx, machine, sup, pctx, report, cardID, name, "review produced no report"), nil
		}
		retryReview := review.Status == stage.ReviewFail ||
			(review.Status == stage.ReviewNeedsImprovement && o.RetryOnNeedsImprovement())
		if !retryReview {
			continue
		}
		if reviewRetries >= maxReviewRetries {
			o.logger.Warn("Review retries exhausted",
				"card_id", cardID, "verdict", review.Status, "attempts", reviewRetries)
			report.ReviewRetries = reviewRetries
			return o.finishReviewFailed(ctx, machine, sup, pctx, report, cardID), nil
		}
		reviewRetries++
		report.ReviewRetries = reviewRetries
		report.RetryHistory = append(report.RetryHistory, RetryHistoryEntry{
			Attempt:        reviewRetries,
			ReviewResult:   review.Status,
			CriticalIssues: review.CriticalCount,
			HighIssues:     review.HighCount,
		})
		pctx.SetRetryInfo(&stage.RetryInfo{
			Attempt:                reviewRetries,
			PreviousReviewFeedback: review.Feedback(reviewFeedbackIssues),
			Issues:                 review.TopIssues(reviewFeedbackIssues),
		})
		o.logger.Info("Review failed, retrying development",
			"card_id", cardID, "attempt", reviewRetries, "score", review.Score)
		// Rewind to development; the loop increment lands on it.
		i = indexOf(order, "development") - 1
	}

	if _, err := machine.Pop(); err != nil {
		o.logger.Debug("Running frame already unwound", "card_id", cardID, "error", err)
	}
	if err := machine.Fire(statemachine.EventComplete, "all stages complete", nil); err != nil {
		o.logger.Warn("Completion transition rejected", "card_id", cardID, "error", err)
	}
	report.Status = StatusCompleted
	o.moveCard(cardID, ColumnDone)
	o.broadcast(ctx, cardID, "pipeline_completed", map[string]any{"status": report.Status})
	o.recordArtifact(ctx, "pipeline_run",
		fmt.Sprintf("pipeline for card %s (%s) completed successfully", cardID, card.Title),
		map[string]any{"card_id": cardID, "outcome": "success"})

	o.seal(machine, sup, pctx, report)
	return report, nil
}

// RetryOnNeedsImprovement reports the configured NEEDS_IMPROVEMENT policy.
func (o *Orchestrator) RetryOnNeedsImprovement() bool {
	return o.opts.RetryOnNeedsImprovement
}

// runStage executes one stage under supervision, running the matching
// recovery workflow on failure and retrying once when the workflow asks
// for it.
func (o *Orchestrator) runStage(ctx context.Context, sup *supervisor.Supervisor, rec *supervisor.Recoverer, machine *statemachine.Machine, st stage.Stage, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
	name := st.Name()
	const maxRecoveryCycles = 1

	for cycle := 0; ; cycle++ {
		if err := machine.Fire(statemachine.EventStageStart, name, nil); err != nil {
			o.logger.Debug("Stage start transition rejected", "stage", name, "error", err)
		}
		res, err := sup.ExecuteWithSupervision(ctx, st, card, pctx)
		if err == nil && res != nil && !res.Failed() {
			event := statemachine.EventStageComplete
			if res.Skipped() {
				event = statemachine.EventStageSkip
			}
			if ferr := machine.Fire(event, name, nil); ferr != nil {
				o.logger.Debug("Stage finish transition rejected", "stage", name, "error", ferr)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var budgetErr *supervisor.BudgetExceededError
		if errors.As(err, &budgetErr) {
			// Spending more to recover defeats the point.
			return res, err
		}

		if ferr := machine.Fire(statemachine.EventStageFail, name, nil); ferr != nil {
			o.logger.Debug("Stage fail transition rejected", "stage", name, "error", ferr)
		}
		if cycle >= maxRecoveryCycles {
			if ferr := machine.Fire(statemachine.EventFail, "recovery exhausted for "+name, nil); ferr != nil {
				o.logger.Debug("Pipeline fail transition rejected", "stage", name, "error", ferr)
			}
			return res, err
		}

		shared := map[string]any{
			"timeout_seconds": sup.StrategyFor(name).Timeout.Seconds(),
		}
		recovered, rerr := rec.Recover(ctx, name, res, err, shared)
		if rerr != nil {
			return res, rerr
		}
		if !recovered {
			// The workflow engine already drove the machine to its
			// failure state.
			return res, err
		}
		if ts, ok := shared["timeout_seconds"].(float64); ok && ts > 0 {
			strategy := sup.StrategyFor(name)
			strategy.Timeout = time.Duration(ts * float64(time.Second))
			sup.SetStrategy(name, strategy)
		}
		if retryStage, _ := shared["retry_stage"].(string); retryStage != name {
			// Recovery succeeded but did not ask for a re-run; the stage
			// outcome stands.
			return res, err
		}
		pctx.AddDiagnostic("orchestrator", fmt.Sprintf("recovered stage %s, retrying", name))
	}
}

// scanWorkerOutput runs the sandbox denylist over the winning developer's
// artifact directory. A non-empty return is the kill reason.
func (o *Orchestrator) scanWorkerOutput(ctx context.Context, cardID string, res stage.Result) string {
	winner, _ := res["winner"].(map[string]any)
	dir, _ := winner["artifact_dir"].(string)
	if dir == "" {
		return ""
	}
	if _, err := os.Stat(dir); err != nil {
		o.logger.Debug("No artifact directory to scan", "card_id", cardID, "dir", dir)
		return ""
	}
	scan, err := o.opts.Sandbox.ScanDir(dir)
	if err != nil {
		o.logger.Warn("Sandbox scan errored", "card_id", cardID, "dir", dir, "error", err)
		return ""
	}
	if !scan.Killed {
		return ""
	}
	o.logger.Error("Worker output killed by sandbox",
		"card_id", cardID, "dir", dir, "violations", len(scan.Violations))
	o.broadcast(ctx, cardID, "worker_killed", map[string]any{
		"reason":     scan.Reason,
		"violations": len(scan.Violations),
	})
	return scan.Reason
}

func (o *Orchestrator) finishFailed(ctx context.Context, machine *statemachine.Machine, sup *supervisor.Supervisor, pctx *stage.Context, report *Report, cardID, stageName, reason string) *Report {
	report.Status = FailedStageStatus(stageName)
	o.moveCard(cardID, ColumnBlocked)
	o.broadcast(ctx, cardID, "pipeline_failed", map[string]any{
		"stage":  stageName,
		"reason": reason,
	})
	o.recordArtifact(ctx, "pipeline_run",
		fmt.Sprintf("pipeline for card %s failed at stage %s: %s", cardID, stageName, reason),
		map[string]any{"card_id": cardID, "outcome": "failure", "stage": stageName})
	o.seal(machine, sup, pctx, report)
	return report
}

func (o *Orchestrator) finishReviewFailed(ctx context.Context, machine *statemachine.Machine, sup *supervisor.Supervisor, pctx *stage.Context, report *Report, cardID string) *Report {
	if err := machine.Fire(statemachine.EventFail, "code review retries exhausted", nil); err != nil {
		o.logger.Debug("Review failure transition rejected", "card_id", cardID, "error", err)
	}
	report.Status = StatusFailedReview
	o.moveCard(cardID, ColumnBlocked)
	o.broadcast(ctx, cardID, "pipeline_failed", map[string]any{"reason": "code review retries exhausted"})
	o.recordArtifact(ctx, "pipeline_run",
		fmt.Sprintf("pipeline for card %s failed code review after retries", cardID),
		map[string]any{"card_id": cardID, "outcome": "failure", "stage": "code_review"})
	o.seal(machine, sup, pctx, report)
	return report
}

func (o *Orchestrator) finishAborted(ctx context.Context, machine *statemachine.Machine, sup *supervisor.Supervisor, pctx *stage.Context, report *Report, cardID string) *Report {
	if err := machine.Fire(statemachine.EventAbort, "run cancelled", nil); err != nil {
		o.logger.Debug("Abort transition rejected", "card_id", cardID, "error", err)
	}
	report.Status = StatusAborted
	o.seal(machine, sup, pctx, report)
	return report
}

// seal finalizes the report and writes it to the report directory.
func (o *Orchestrator) seal(machine *statemachine.Machine, sup *supervisor.Supervisor, pctx *stage.Context, report *Report) {
	report.finalize(machine, sup.HealthCheck(), pctx.Snapshot())
	if o.opts.ReportDir == "" {
		return
	}
	path, err := report.Write(o.opts.ReportDir)
	if err != nil {
		o.logger.Error("Failed to write pipeline report", "card_id", report.CardID, "error", err)
		return
	}
	o.logger.Info("Pipeline report written", "card_id", report.CardID, "path", path, "status", report.Status)
}

// restorePrevious rehydrates the machine from the last snapshot when that
// leaves it in a startable state. Corrupt or stale snapshots mean a fresh
// run from IDLE.
func (o *Orchestrator) restorePrevious(machine *statemachine.Machine, cardID string) {
	if o.opts.Snapshots == nil {
		return
	}
	snap, err := o.opts.Snapshots.Load(cardID)
	if err != nil || snap == nil {
		return
	}
	switch snap.State {
	case statemachine.StateIdle, statemachine.StateFailed:
		machine.Restore(snap)
		o.logger.Info("Restored previous run state", "card_id", cardID, "state", snap.State)
	default:
		o.logger.Info("Discarding stale snapshot", "card_id", cardID, "state", snap.State)
	}
}

// moveCard is best-effort: board trouble degrades reporting, not the run.
func (o *Orchestrator) moveCard(cardID, column string) {
	if err := o.opts.Board.MoveCard(cardID, column); err != nil {
		o.logger.Warn("Failed to move card", "card_id", cardID, "column", column, "error", err)
	}
}

func (o *Orchestrator) broadcast(ctx context.Context, cardID, event string, data map[string]any) {
	if o.opts.Messenger == nil {
		return
	}
	payload := map[string]any{"event": event}
	for k, v := range data {
		payload[k] = v
	}
	msg := &messenger.Message{
		From:   "orchestrator",
		To:     messenger.RecipientAll,
		Type:   messenger.TypeDataUpdate,
		CardID: cardID,
		Data:   payload,
	}
	if err := o.opts.Messenger.Send(ctx, msg); err != nil {
		o.logger.Warn("Broadcast failed", "card_id", cardID, "event", event, "error", err)
	}
}

func (o *Orchestrator) recordArtifact(ctx context.Context, artifactType, content string, metadata map[string]any) {
	if o.opts.RAG == nil {
		return
	}
	if _, err := o.opts.RAG.StoreArtifact(ctx, artifactType, content, metadata); err != nil {
		o.logger.Warn("Failed to store artifact", "type", artifactType, "error", err)
	}
}

func indexOf(names []string, target string) int {
	for i, n := range names {
		if n == target {
			return i
		}
	}
	return -1
}

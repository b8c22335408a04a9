package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/rag"
	"github.com/artemishq/artemis/stage"
	"github.com/artemishq/artemis/statemachine"
	"github.com/artemishq/artemis/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func runningMachine(t *testing.T) *statemachine.Machine {
	t.Helper()
	m := statemachine.New("card-1", nil, testLogger())
	require.NoError(t, m.Transition(statemachine.StateInitializing, statemachine.EventStart, "", nil))
	require.NoError(t, m.Transition(statemachine.StateRunning, statemachine.EventComplete, "", nil))
	m.Push(statemachine.StateRunning, nil)
	return m
}

type stubStage struct {
	name string
	fn   func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error)
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Execute(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
	return s.fn(ctx, card, pctx)
}

func testCard() *kanban.Card {
	return &kanban.Card{ID: "card-1", Title: "t", Column: "ready"}
}

func fastSupervisor(t *testing.T, strategies map[string]RecoveryStrategy) *Supervisor {
	t.Helper()
	s := New(Options{
		Machine:    runningMachine(t),
		Logger:     testLogger(),
		Strategies: strategies,
	})
	s.Grace = 20 * time.Millisecond
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, 5*time.Second, s.RetryDelay)
	assert.Equal(t, 2.0, s.BackoffMultiplier)
	assert.Equal(t, 300*time.Second, s.Timeout)
	assert.Equal(t, uint32(5), s.CircuitBreakerThreshold)
	assert.Equal(t, 300*time.Second, s.CircuitBreakerTimeout)
	require.NoError(t, s.Validate())
}

func TestStrategyDelay_ExponentialWithCap(t *testing.T) {
	s := DefaultStrategy()
	assert.Equal(t, 5*time.Second, s.Delay(1))
	assert.Equal(t, 10*time.Second, s.Delay(2))
	assert.Equal(t, 20*time.Second, s.Delay(3))
	assert.Equal(t, 10*time.Minute, s.Delay(20), "delay is capped")
}

func TestExecuteWithSupervision_SuccessFirstAttempt(t *testing.T) {
	s := fastSupervisor(t, nil)
	calls := 0
	st := &stubStage{name: "architecture", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		calls++
		return stage.OK(nil), nil
	}}

	res, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, 1, calls)

	stats, ok := s.Stats("architecture")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Executions)
	assert.Equal(t, 1, stats.Successes)
}

func TestExecuteWithSupervision_RetriesThenSucceeds(t *testing.T) {
	s := fastSupervisor(t, map[string]RecoveryStrategy{
		"development": {MaxRetries: 3},
	})
	calls := 0
	st := &stubStage{name: "development", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return stage.OK(nil), nil
	}}

	res, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, 3, calls)

	stats, _ := s.Stats("development")
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 2, stats.Failures)
}

func TestExecuteWithSupervision_FailResultAfterRetries(t *testing.T) {
	s := fastSupervisor(t, map[string]RecoveryStrategy{
		"validation": {MaxRetries: 1, CircuitBreakerThreshold: 10},
	})
	calls := 0
	st := &stubStage{name: "validation", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		calls++
		return stage.Fail("criteria unmet", nil), nil
	}}

	res, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err, "a FAIL result is not an execution error")
	assert.True(t, res.Failed())
	assert.Equal(t, 2, calls)
}

func TestExecuteWithSupervision_CircuitOpensAndSkips(t *testing.T) {
	s := fastSupervisor(t, map[string]RecoveryStrategy{
		"integration": {MaxRetries: 3, CircuitBreakerThreshold: 2},
	})
	calls := 0
	st := &stubStage{name: "integration", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		calls++
		return nil, errors.New("merge conflict")
	}}

	res, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err)
	assert.True(t, res.Skipped())
	assert.Equal(t, "circuit_open", res["reason"])
	assert.Equal(t, 2, calls, "breaker trips after the threshold, stopping further attempts")

	// A later call must skip without invoking the stage at all.
	res, err = s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err)
	assert.True(t, res.Skipped())
	assert.Equal(t, 2, calls)

	assert.Contains(t, s.machine.OpenCircuits(), "integration")
	report := s.HealthCheck()
	assert.Equal(t, HealthFailing, report.Overall)
	assert.Contains(t, report.OpenCircuits, "integration")
}

func TestResetCircuit_ClosesBreaker(t *testing.T) {
	s := fastSupervisor(t, map[string]RecoveryStrategy{
		"integration": {MaxRetries: 1, CircuitBreakerThreshold: 2},
	})
	calls := 0
	st := &stubStage{name: "integration", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		calls++
		return nil, errors.New("merge conflict")
	}}
	_, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err)

	s.ResetCircuit("integration")
	assert.Empty(t, s.machine.OpenCircuits())

	before := calls
	_, err = s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.NoError(t, err)
	assert.Greater(t, calls, before, "a reset breaker admits attempts again")
}

func TestExecuteWithSupervision_TimeoutAfterGrace(t *testing.T) {
	s := fastSupervisor(t, map[string]RecoveryStrategy{
		"testing": {MaxRetries: 1, Timeout: 10 * time.Millisecond},
	})
	s.Grace = 10 * time.Millisecond
	st := &stubStage{name: "testing", fn: func(ctx context.Context, _ *kanban.Card, _ *stage.Context) (stage.Result, error) {
		<-time.After(time.Second)
		return stage.OK(nil), nil
	}}

	_, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "testing", timeout.Stage)

	stats, _ := s.Stats("testing")
	assert.Equal(t, 2, stats.Timeouts)
}

func TestExecuteWithSupervision_ParentCancellationStopsRetries(t *testing.T) {
	s := fastSupervisor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	st := &stubStage{name: "development", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		cancel()
		return nil, errors.New("boom")
	}}

	_, err := s.ExecuteWithSupervision(ctx, st, testCard(), stage.NewContext())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBudgetTracker_DailyAndMonthlyCaps(t *testing.T) {
	bt := NewBudgetTracker(10, 100, nil)
	require.NoError(t, bt.Charge(6))
	err := bt.Charge(6)
	var be *BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "daily", be.Window)

	// A new day resets the daily window but not the monthly one.
	bt.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	require.NoError(t, bt.Charge(6))
	daily, monthly := bt.Spent()
	assert.Equal(t, 6.0, daily)
	assert.Equal(t, 18.0, monthly)

	err = bt.Charge(90)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "monthly", be.Window)
}

func TestBudgetTracker_ReserveRefusesWithoutRecording(t *testing.T) {
	bt := NewBudgetTracker(1, 0, nil)
	require.NoError(t, bt.Reserve(0.6))

	err := bt.Reserve(0.6)
	var be *BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "daily", be.Window)

	// The refused reservation must not count as spend.
	daily, _ := bt.Spent()
	assert.Equal(t, 0.6, daily)
	require.NoError(t, bt.Reserve(0.4))
}

func TestEstimateCost_FallsBackToDefaultEntry(t *testing.T) {
	pricing := DefaultPricing()
	known := EstimateCost(pricing, "openai/gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.75, known, 1e-9)

	unknown := EstimateCost(pricing, "acme/mystery-model", 1_000_000, 0)
	assert.InDelta(t, pricing["default"].InputPerMTok, unknown, 1e-9)

	assert.Zero(t, EstimateCost(map[string]TokenPrice{}, "openai/gpt-4o", 1000, 1000))
}

func TestExecuteWithSupervision_BudgetRefusalPreemptsStage(t *testing.T) {
	s := New(Options{
		Machine: runningMachine(t),
		Logger:  testLogger(),
		Budget:  NewBudgetTracker(0.000001, 0, nil),
	})
	calls := 0
	st := &stubStage{name: "development", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		calls++
		return stage.OK(nil), nil
	}}

	res, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	var be *BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Nil(t, res)
	assert.Equal(t, 0, calls, "an over-budget attempt must never reach the stage")
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, workflow.IssueTimeout,
		ClassifyFailure("development", nil, &TimeoutError{Stage: "development"}))
	assert.Equal(t, workflow.IssueCodeReviewFailed,
		ClassifyFailure("code_review", stage.Fail("low score", nil), nil))
	assert.Equal(t, workflow.IssueMemoryExhausted,
		ClassifyFailure("development", stage.Result{"status": "FAIL", "issue_type": "MEMORY_EXHAUSTED"}, nil))
	assert.Equal(t, workflow.IssueValidationFailed,
		ClassifyFailure("unknown_stage", nil, errors.New("boom")))
}

func TestRecoverer_RecoversAndStoresLearnedSolution(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := rag.NewRedisStore(context.Background(), mr.Addr(), testLogger())
	require.NoError(t, err)
	defer store.Close()

	s := fastSupervisor(t, nil)
	engine := workflow.NewEngine(s.machine, testLogger())
	rec := NewRecoverer(s, engine, nil, store)

	shared := map[string]any{"timeout_seconds": 300.0}
	recovered, err := rec.Recover(context.Background(), "development",
		nil, &TimeoutError{Stage: "development", Timeout: time.Second}, shared)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, 600.0, shared["timeout_seconds"])
	assert.Equal(t, "development", shared["retry_stage"])

	hits, err := store.QuerySimilar(context.Background(), "recovered development timeout", 5,
		map[string]string{"outcome": "success"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

type fixedAdvisor struct {
	wf *workflow.Workflow
}

func (a *fixedAdvisor) Propose(context.Context, workflow.IssueType, string, map[string]any) (*workflow.Workflow, error) {
	return a.wf, nil
}

func TestRecoverer_AdvisorOverridesRegistry(t *testing.T) {
	s := fastSupervisor(t, nil)
	engine := workflow.NewEngine(s.machine, testLogger())

	ran := false
	engine.RegisterHandler("advisor_action", func(context.Context, *workflow.ActionContext) (string, error) {
		ran = true
		return "ok", nil
	})
	advisor := &fixedAdvisor{wf: &workflow.Workflow{
		Name:         "advisor-plan",
		Actions:      []workflow.Action{{Name: "advisor_action"}},
		SuccessState: statemachine.StateRunning,
		FailureState: statemachine.StateFailed,
	}}
	rec := NewRecoverer(s, engine, advisor, nil)

	recovered, err := rec.Recover(context.Background(), "testing", stage.Fail("flaky", nil), nil, nil)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.True(t, ran, "the advisor's plan replaced the registered workflow")
}

func TestHealthCheck_DegradedOnFailureRate(t *testing.T) {
	s := fastSupervisor(t, map[string]RecoveryStrategy{
		"development": {MaxRetries: 1, CircuitBreakerThreshold: 100},
	})
	st := &stubStage{name: "development", fn: func(context.Context, *kanban.Card, *stage.Context) (stage.Result, error) {
		return nil, errors.New("boom")
	}}
	_, err := s.ExecuteWithSupervision(context.Background(), st, testCard(), stage.NewContext())
	require.Error(t, err)

	report := s.HealthCheck()
	assert.Equal(t, HealthDegraded, report.Overall)
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/messenger"
	"github.com/artemishq/artemis/stage"
	"github.com/artemishq/artemis/statemachine"
)

// ShutdownGrace is how long a timed-out stage gets to wind down after its
// context is cancelled before the supervisor abandons it.
const ShutdownGrace = 5 * time.Second

// TimeoutError marks a stage attempt that outlived its deadline and its
// grace period.
type TimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s exceeded %s timeout", e.Stage, e.Timeout)
}

// StageFailedError carries a FAIL result through the circuit breaker so
// breaker accounting treats it like an error.
type StageFailedError struct {
	Stage  string
	Reason string
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
}

// Supervisor wraps stage execution with per-stage circuit breakers,
// per-attempt timeouts, and exponential-backoff retries. One supervisor
// serves one pipeline run.
type Supervisor struct {
	machine   *statemachine.Machine
	messenger messenger.Messenger
	logger    *slog.Logger
	metrics   *Metrics
	budget    *BudgetTracker
	pricing   map[string]TokenPrice

	// Grace overrides ShutdownGrace, for tests.
	Grace time.Duration

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	strategies map[string]RecoveryStrategy
	breakers   map[string]*gobreaker.CircuitBreaker
	stats      map[string]*StageStats
}

// Options configures a supervisor. Zero-valued fields fall back to
// defaults; Machine is the only required handle.
type Options struct {
	Machine    *statemachine.Machine
	Messenger  messenger.Messenger
	Logger     *slog.Logger
	Metrics    *Metrics
	Budget     *BudgetTracker
	Strategies map[string]RecoveryStrategy

	// Pricing overrides DefaultPricing for budget cost estimation.
	Pricing map[string]TokenPrice

	// Breakers, when set, is adopted as the breaker map instead of a fresh
	// one. Callers share it across supervisors so an open circuit outlives
	// a single pipeline run.
	Breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a supervisor over the given pipeline handles.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategies := make(map[string]RecoveryStrategy, len(opts.Strategies))
	for name, s := range opts.Strategies {
		strategies[name] = s.normalize()
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	pricing := opts.Pricing
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Supervisor{
		machine:    opts.Machine,
		messenger:  opts.Messenger,
		logger:     logger,
		metrics:    opts.Metrics,
		budget:     opts.Budget,
		pricing:    pricing,
		Grace:      ShutdownGrace,
		sleep:      sleepCtx,
		strategies: strategies,
		breakers:   breakers,
		stats:      make(map[string]*StageStats),
	}
}

// SetStrategy installs or replaces the strategy for a stage. Recovery
// workflows use it to apply adjusted timeouts before a retry.
func (s *Supervisor) SetStrategy(stageName string, strategy RecoveryStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[stageName] = strategy.normalize()
}

// StrategyFor returns the effective strategy for a stage.
func (s *Supervisor) StrategyFor(stageName string) RecoveryStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strat, ok := s.strategies[stageName]; ok {
		return strat
	}
	return DefaultStrategy()
}

// ResetCircuit replaces the stage's breaker with a fresh closed one. Wired
// into recovery workflows as the reset_circuit action.
func (s *Supervisor) ResetCircuit(stageName string) {
	s.mu.Lock()
	delete(s.breakers, stageName)
	s.mu.Unlock()
	if s.machine != nil {
		s.machine.SetCircuitOpen(stageName, false)
	}
	s.logger.Info("Circuit breaker reset", "stage", stageName)
}

// ExecuteWithSupervision runs one stage under full supervision. An open
// breaker short-circuits to a SKIP result without invoking the stage.
// Budget exhaustion aborts immediately and is never retried. The returned
// error is non-nil only when every attempt errored; a FAIL result after
// exhausted retries comes back as (result, nil).
func (s *Supervisor) ExecuteWithSupervision(ctx context.Context, st stage.Stage, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
	name := st.Name()
	strategy := s.StrategyFor(name)
	breaker := s.breakerFor(name, strategy)

	if breaker.State() == gobreaker.StateOpen {
		s.logger.Warn("Circuit open, skipping stage", "stage", name, "card_id", card.ID)
		s.recordSkip(name, "circuit_open")
		if s.machine != nil {
			s.machine.UpdateStageState(name, statemachine.StageCircuitOpen, "")
		}
		return stage.Skip("circuit_open"), nil
	}

	if s.machine != nil {
		s.machine.SetActiveStage(name)
	}

	attempts := 1 + strategy.MaxRetries
	var (
		lastRes stage.Result
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return lastRes, ctx.Err()
		}
		if attempt > 1 {
			delay := strategy.Delay(attempt - 1)
			s.logger.Info("Retrying stage",
				"stage", name, "card_id", card.ID, "attempt", attempt, "delay", delay)
			if s.machine != nil {
				s.machine.UpdateStageState(name, statemachine.StageRetrying, "")
				if err := s.machine.Fire(statemachine.EventStageRetry, name, nil); err != nil {
					s.logger.Debug("Stage retry transition rejected", "stage", name, "error", err)
				}
			}
			s.recordRetry(name)
			if err := s.sleep(ctx, delay); err != nil {
				return lastRes, err
			}
		}

		if s.budget != nil {
			cost := s.estimateAttemptCost(name, card)
			if err := s.budget.Reserve(cost); err != nil {
				s.logger.Error("Budget refused stage attempt",
					"stage", name, "card_id", card.ID, "cost", cost, "error", err)
				s.recordOutcome(name, stage.StatusFail, 0, err.Error())
				return lastRes, err
			}
		}

		res, err := s.executeOnce(ctx, breaker, st, card, pctx, strategy)
		lastRes, lastErr = res, err

		switch {
		case err == nil && res != nil && !res.Failed():
			return res, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			// Tripped mid-loop. Stop hammering it.
			s.recordSkip(name, "circuit_open")
			if s.machine != nil {
				s.machine.UpdateStageState(name, statemachine.StageCircuitOpen, "")
			}
			return stage.Skip("circuit_open"), nil
		case isBudgetExceeded(err):
			s.logger.Error("Budget exhausted, aborting stage", "stage", name, "error", err)
			return res, err
		case errors.Is(err, context.Canceled):
			return res, err
		}
		// FAIL result or transient error: loop for the next attempt.
	}

	var failed *StageFailedError
	if errors.As(lastErr, &failed) {
		// The FAIL result already describes the failure; the wrapper error
		// existed only for breaker accounting.
		return lastRes, nil
	}
	return lastRes, lastErr
}

// executeOnce runs one attempt through the breaker with the per-attempt
// deadline, and updates the machine and stats from the outcome.
func (s *Supervisor) executeOnce(ctx context.Context, breaker *gobreaker.CircuitBreaker, st stage.Stage, card *kanban.Card, pctx *stage.Context, strategy RecoveryStrategy) (stage.Result, error) {
	name := st.Name()
	if s.machine != nil {
		s.machine.UpdateStageState(name, statemachine.StageRunning, "")
	}
	start := time.Now()

	val, err := breaker.Execute(func() (any, error) {
		res, execErr := s.runAttempt(ctx, st, card, pctx, strategy.Timeout)
		if execErr != nil {
			return res, execErr
		}
		if res.Failed() {
			reason, _ := res["reason"].(string)
			return res, &StageFailedError{Stage: name, Reason: reason}
		}
		return res, nil
	})
	elapsed := time.Since(start)

	res, _ := val.(stage.Result)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Never reached the stage; the caller handles the open breaker.
	case err == nil:
		status := res.Status()
		s.recordOutcome(name, status, elapsed, "")
		if s.machine != nil {
			if res.Skipped() {
				s.machine.UpdateStageState(name, statemachine.StageSkipped, "")
			} else {
				s.machine.UpdateStageState(name, statemachine.StageCompleted, "")
			}
		}
	default:
		var timeout *TimeoutError
		if errors.As(err, &timeout) {
			s.recordOutcome(name, "TIMEOUT", elapsed, err.Error())
			if s.machine != nil {
				s.machine.UpdateStageState(name, statemachine.StageTimedOut, err.Error())
				if ferr := s.machine.Fire(statemachine.EventStageTimeout, name, nil); ferr != nil {
					s.logger.Debug("Stage timeout transition rejected", "stage", name, "error", ferr)
				}
			}
		} else {
			s.recordOutcome(name, stage.StatusFail, elapsed, err.Error())
			if s.machine != nil {
				s.machine.UpdateStageState(name, statemachine.StageFailed, err.Error())
			}
		}
	}
	return res, err
}

// runAttempt executes the stage with a deadline, then grants the grace
// period for cooperative shutdown before abandoning the goroutine.
func (s *Supervisor) runAttempt(ctx context.Context, st stage.Stage, card *kanban.Card, pctx *stage.Context, timeout time.Duration) (stage.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res stage.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := st.Execute(attemptCtx, card, pctx)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled, not a per-attempt timeout.
			return nil, ctx.Err()
		}
	}

	grace := s.Grace
	if grace <= 0 {
		grace = ShutdownGrace
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(grace):
		return nil, &TimeoutError{Stage: st.Name(), Timeout: timeout}
	}
}

// estimateAttemptCost prices one model invocation for the stage before it
// runs. Cards pick their model through metadata; absent or unknown models
// use the table's default entry.
func (s *Supervisor) estimateAttemptCost(stageName string, card *kanban.Card) float64 {
	model, _ := card.Metadata["model"].(string)
	input, output := estimateAttemptTokens(stageName, card)
	return EstimateCost(s.pricing, model, input, output)
}

// breakerFor returns the stage's breaker, creating it on first use.
func (s *Supervisor) breakerFor(stageName string, strategy RecoveryStrategy) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[stageName]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        stageName,
		MaxRequests: 1,
		Timeout:     strategy.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= strategy.CircuitBreakerThreshold
		},
		OnStateChange: s.onBreakerChange,
	})
	s.breakers[stageName] = cb
	return cb
}

// onBreakerChange mirrors breaker trips into the state machine, metrics,
// and a broadcast alert.
func (s *Supervisor) onBreakerChange(name string, from, to gobreaker.State) {
	s.logger.Warn("Circuit breaker state change", "stage", name, "from", from.String(), "to", to.String())
	open := to == gobreaker.StateOpen
	if s.metrics != nil {
		s.metrics.SetCircuitOpen(name, open)
	}
	if s.machine != nil {
		s.machine.SetCircuitOpen(name, open)
		event := statemachine.EventCircuitClose
		if open {
			event = statemachine.EventCircuitOpen
		}
		if err := s.machine.Fire(event, name, nil); err != nil {
			s.logger.Debug("Circuit transition rejected", "stage", name, "error", err)
		}
	}
	if s.messenger != nil && open {
		msg := &messenger.Message{
			From: "supervisor",
			To:   messenger.RecipientAll,
			Type: messenger.TypeAlert,
			Data: map[string]any{
				"alert": "circuit_open",
				"stage": name,
			},
		}
		if s.machine != nil {
			msg.CardID = s.machine.CardID()
		}
		if err := s.messenger.Send(context.Background(), msg); err != nil {
			s.logger.Warn("Circuit alert broadcast failed", "stage", name, "error", err)
		}
	}
}

func isBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

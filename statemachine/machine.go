package statemachine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrStackEmpty is returned when a pop would remove the last frame. The
// stack top is the active pipeline state, so it can never be emptied.
var ErrStackEmpty = errors.New("state stack has no poppable frame")

// InvalidTransitionError is returned when (from, event) -> to is not in the
// allowed-transition table. The machine state does not change; the attempt
// is kept as a diagnostic.
type InvalidTransitionError struct {
	From  State
	To    State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s on %s", e.From, e.To, e.Event)
}

// RollbackTargetError is returned when RollbackToState cannot find the
// target state anywhere on the stack.
type RollbackTargetError struct {
	Target State
}

func (e *RollbackTargetError) Error() string {
	return fmt.Sprintf("rollback target %s not on stack", e.Target)
}

// Machine tracks one pipeline run as a pushdown automaton. There is exactly
// one active pipeline state at any time; nested activities (stage execution,
// recovery) push checkpoint frames and pop them on exit, so a rollback can
// unwind to the state a recovery started from. All mutations are serialized
// and followed by a snapshot write.
type Machine struct {
	cardID string
	store  *SnapshotStore
	logger *slog.Logger

	mu           sync.Mutex
	current      State
	stack        []Frame
	health       HealthStatus
	activeStage  string
	activeIssues []string
	stages       map[string]*StageInfo
	breakersOpen map[string]bool
	history      []Transition
	invalid      []InvalidTransitionError
}

// New creates a machine for one card, starting at IDLE. The snapshot store
// may be nil for in-memory use (tests).
func New(cardID string, store *SnapshotStore, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cardID:  cardID,
		store:   store,
		logger:  logger,
		current: StateIdle,
		stack: []Frame{
			{State: StateIdle, Timestamp: time.Now().UTC()},
		},
		health:       HealthHealthy,
		stages:       make(map[string]*StageInfo),
		breakersOpen: make(map[string]bool),
	}
}

// CardID returns the card this machine tracks.
func (m *Machine) CardID() string {
	return m.cardID
}

// Current returns the active pipeline state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Health returns the aggregate health status.
func (m *Machine) Health() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// top returns the current stack frame. Callers must hold m.mu.
func (m *Machine) top() *Frame {
	return &m.stack[len(m.stack)-1]
}

// Transition moves the machine to `to` via `event`. The move must be in the
// allowed-transition table for the current state; otherwise the state is
// unchanged, the attempt is recorded as a diagnostic, and an
// InvalidTransitionError is returned.
func (m *Machine) Transition(to State, event Event, reason string, ctx map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !Allowed(from, event, to) {
		ite := InvalidTransitionError{From: from, To: to, Event: event}
		m.invalid = append(m.invalid, ite)
		m.logger.Warn("Rejected invalid transition",
			"card_id", m.cardID, "from", from, "to", to, "event", event)
		return &ite
	}

	now := time.Now().UTC()
	m.current = to
	m.history = append(m.history, Transition{
		From: from, To: to, Event: event, Reason: reason, Context: ctx, Timestamp: now,
	})
	m.logger.Debug("State transition",
		"card_id", m.cardID, "from", from, "to", to, "event", event, "reason", reason)
	m.persistLocked()
	return nil
}

// Fire transitions via `event` using the table to derive the target state.
func (m *Machine) Fire(event Event, reason string, ctx map[string]any) error {
	m.mu.Lock()
	from := m.current
	m.mu.Unlock()

	to, ok := TargetFor(from, event)
	if !ok {
		m.mu.Lock()
		ite := InvalidTransitionError{From: from, To: "", Event: event}
		m.invalid = append(m.invalid, ite)
		m.mu.Unlock()
		return &ite
	}
	return m.Transition(to, event, reason, ctx)
}

// Push appends a new frame for a nested activity.
func (m *Machine) Push(state State, ctx map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = append(m.stack, Frame{State: state, Context: ctx, Timestamp: time.Now().UTC()})
	m.persistLocked()
}

// Pop removes and returns the top frame. The base frame is not poppable.
func (m *Machine) Pop() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) <= 1 {
		return Frame{}, ErrStackEmpty
	}
	frame := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.persistLocked()
	return frame, nil
}

// Peek returns the top frame without mutation.
func (m *Machine) Peek() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.top()
}

// Depth returns the stack depth.
func (m *Machine) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// RollbackToState pops frames in LIFO order until the top frame holds the
// target state. The stack is untouched when the target is absent.
func (m *Machine) RollbackToState(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for _, f := range m.stack {
		if f.State == target {
			found = true
			break
		}
	}
	if !found {
		return &RollbackTargetError{Target: target}
	}

	for m.top().State != target {
		m.stack = m.stack[:len(m.stack)-1]
	}
	m.logger.Info("Rolled back state stack", "card_id", m.cardID, "target", target, "depth", len(m.stack))
	m.persistLocked()
	return nil
}

// SetHealth updates the aggregate health status.
func (m *Machine) SetHealth(h HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health == h {
		return
	}
	m.health = h
	m.persistLocked()
}

// SetActiveStage records which stage the supervisor is currently driving.
func (m *Machine) SetActiveStage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeStage = name
	m.persistLocked()
}

// AddIssue records an active issue (by issue type name) for diagnostics.
func (m *Machine) AddIssue(issue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeIssues = append(m.activeIssues, issue)
	m.persistLocked()
}

// ClearIssues drops all active issues, typically after a recovery succeeds.
func (m *Machine) ClearIssues() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeIssues = nil
	m.persistLocked()
}

// UpdateStageState edits the per-stage record, maintaining timestamps,
// duration, and retry counts.
func (m *Machine) UpdateStageState(name string, state StageState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.stages[name]
	if !ok {
		info = &StageInfo{StageName: name, State: StagePending}
		m.stages[name] = info
	}

	now := time.Now().UTC()
	switch state {
	case StageRunning:
		info.StartTime = &now
		info.EndTime = nil
		info.ErrorMessage = ""
	case StageRetrying:
		info.RetryCount++
	case StageCompleted, StageFailed, StageTimedOut:
		info.EndTime = &now
		if info.StartTime != nil {
			info.DurationSeconds = now.Sub(*info.StartTime).Seconds()
		}
	}
	info.State = state
	if errMsg != "" {
		info.ErrorMessage = errMsg
	}
	m.persistLocked()
}

// StageInfoFor returns a copy of the record for one stage, if present.
func (m *Machine) StageInfoFor(name string) (StageInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.stages[name]
	if !ok {
		return StageInfo{}, false
	}
	return *info, true
}

// SetCircuitOpen records a stage breaker opening or closing.
func (m *Machine) SetCircuitOpen(stage string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open {
		m.breakersOpen[stage] = true
	} else {
		delete(m.breakersOpen, stage)
	}
	m.persistLocked()
}

// OpenCircuits returns the names of stages with open breakers.
func (m *Machine) OpenCircuits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.breakersOpen)
}

// History returns a copy of the transition history.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// InvalidAttempts returns the rejected transition diagnostics.
func (m *Machine) InvalidAttempts() []InvalidTransitionError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InvalidTransitionError(nil), m.invalid...)
}

// persistLocked writes a snapshot if a store is configured. Snapshot errors
// are logged, never propagated; losing a snapshot must not fail the run.
// Callers must hold m.mu.
func (m *Machine) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.snapshotLocked()); err != nil {
		m.logger.Warn("Snapshot write failed", "card_id", m.cardID, "error", err)
	}
}

// snapshotLocked builds a Snapshot from current state. Callers must hold m.mu.
func (m *Machine) snapshotLocked() *Snapshot {
	stages := make(map[string]*StageInfo, len(m.stages))
	for k, v := range m.stages {
		dup := *v
		stages[k] = &dup
	}
	return &Snapshot{
		CardID:              m.cardID,
		State:               m.current,
		ActiveStage:         m.activeStage,
		HealthStatus:        m.health,
		ActiveIssues:        append([]string(nil), m.activeIssues...),
		Stages:              stages,
		CircuitBreakersOpen: sortedKeys(m.breakersOpen),
		Stack:               append([]Frame(nil), m.stack...),
		Timestamp:           time.Now().UTC(),
	}
}

// Snapshot returns a point-in-time copy of the machine's persisted form.
func (m *Machine) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Restore rehydrates the machine from a snapshot, typically at startup.
func (m *Machine) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = snap.State
	if len(snap.Stack) > 0 {
		m.stack = append([]Frame(nil), snap.Stack...)
	} else {
		m.stack = []Frame{{State: snap.State, Timestamp: snap.Timestamp}}
	}
	if snap.HealthStatus != "" {
		m.health = snap.HealthStatus
	}
	m.activeStage = snap.ActiveStage
	m.activeIssues = append([]string(nil), snap.ActiveIssues...)
	m.stages = make(map[string]*StageInfo, len(snap.Stages))
	for k, v := range snap.Stages {
		dup := *v
		m.stages[k] = &dup
	}
	m.breakersOpen = make(map[string]bool, len(snap.CircuitBreakersOpen))
	for _, name := range snap.CircuitBreakersOpen {
		m.breakersOpen[name] = true
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

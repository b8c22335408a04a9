package statemachine

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRunningMachine(t *testing.T) *Machine {
	t.Helper()
	m := New("card-1", nil, testLogger())
	require.NoError(t, m.Transition(StateInitializing, EventStart, "run started", nil))
	require.NoError(t, m.Transition(StateRunning, EventComplete, "initialized", nil))
	// The run context is a nested activity: checkpoint it like the
	// orchestrator does, so rollbacks can unwind to RUNNING.
	m.Push(StateRunning, nil)
	return m
}

func TestTransition_AllowedPath(t *testing.T) {
	m := New("card-1", nil, testLogger())
	assert.Equal(t, StateIdle, m.Current())

	require.NoError(t, m.Transition(StateInitializing, EventStart, "", nil))
	require.NoError(t, m.Transition(StateRunning, EventComplete, "", nil))
	require.NoError(t, m.Transition(StateStageRunning, EventStageStart, "architecture", nil))
	require.NoError(t, m.Transition(StateRunning, EventStageComplete, "architecture", nil))
	require.NoError(t, m.Transition(StateCompleted, EventComplete, "all stages done", nil))

	assert.Equal(t, StateCompleted, m.Current())
	assert.Len(t, m.History(), 5)
}

func TestTransition_RejectsInvalid(t *testing.T) {
	m := New("card-1", nil, testLogger())

	err := m.Transition(StateCompleted, EventComplete, "", nil)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StateIdle, ite.From)
	assert.Equal(t, StateIdle, m.Current(), "state must not change on invalid transition")
	assert.Len(t, m.InvalidAttempts(), 1)
	assert.Empty(t, m.History())
}

func TestTransition_TerminalStatesAbsorbing(t *testing.T) {
	m := newRunningMachine(t)
	require.NoError(t, m.Transition(StateCompleted, EventComplete, "", nil))

	for _, tc := range []struct {
		to    State
		event Event
	}{
		{StateInitializing, EventStart},
		{StateRunning, EventResume},
		{StateAborted, EventAbort},
	} {
		err := m.Transition(tc.to, tc.event, "", nil)
		assert.Error(t, err, "terminal state accepted %s", tc.event)
	}
	assert.Equal(t, StateCompleted, m.Current())
}

func TestHistoryLegality(t *testing.T) {
	m := newRunningMachine(t)
	_ = m.Transition(StateStageRunning, EventStageStart, "development", nil)
	_ = m.Transition(StateStageFailed, EventStageFail, "boom", nil)
	_ = m.Transition(StateRecovering, EventRecoveryStart, "timeout workflow", nil)
	_ = m.Transition(StateRunning, EventRecoverySuccess, "", nil)

	for _, tr := range m.History() {
		assert.True(t, Allowed(tr.From, tr.Event, tr.To),
			"recorded transition %s -[%s]-> %s not in table", tr.From, tr.Event, tr.To)
	}
}

func TestPushPopPeek(t *testing.T) {
	m := newRunningMachine(t)
	base := m.Depth()

	require.NoError(t, m.Transition(StateStageRunning, EventStageStart, "development", nil))
	m.Push(StateStageRunning, map[string]any{"stage": "development"})
	assert.Equal(t, base+1, m.Depth())
	assert.Equal(t, StateStageRunning, m.Peek().State)
	assert.Equal(t, StateStageRunning, m.Current())

	frame, err := m.Pop()
	require.NoError(t, err)
	assert.Equal(t, StateStageRunning, frame.State)
	assert.Equal(t, "development", frame.Context["stage"])
	assert.Equal(t, base, m.Depth())
}

func TestPop_BaseFrameNotPoppable(t *testing.T) {
	m := New("card-1", nil, testLogger())
	_, err := m.Pop()
	require.ErrorIs(t, err, ErrStackEmpty)
	assert.Equal(t, 1, m.Depth())
}

func TestRollbackToState(t *testing.T) {
	m := newRunningMachine(t)
	m.Push(StateStageRunning, map[string]any{"stage": "integration"})
	m.Push(StateRecovering, nil)
	m.Push(StateRollingBack, nil)

	require.NoError(t, m.RollbackToState(StateRunning))
	assert.Equal(t, StateRunning, m.Peek().State)
	assert.Equal(t, 2, m.Depth())
}

func TestRollbackToState_MissingTarget(t *testing.T) {
	m := newRunningMachine(t)
	m.Push(StateStageRunning, nil)
	depth := m.Depth()

	err := m.RollbackToState(StatePaused)
	var rte *RollbackTargetError
	require.ErrorAs(t, err, &rte)
	assert.Equal(t, StatePaused, rte.Target)
	assert.Equal(t, depth, m.Depth(), "stack untouched when target missing")
}

func TestUpdateStageState(t *testing.T) {
	m := newRunningMachine(t)

	m.UpdateStageState("development", StageRunning, "")
	info, ok := m.StageInfoFor("development")
	require.True(t, ok)
	assert.Equal(t, StageRunning, info.State)
	require.NotNil(t, info.StartTime)

	m.UpdateStageState("development", StageRetrying, "attempt 1 failed")
	m.UpdateStageState("development", StageRetrying, "attempt 2 failed")
	m.UpdateStageState("development", StageCompleted, "")

	info, _ = m.StageInfoFor("development")
	assert.Equal(t, StageCompleted, info.State)
	assert.Equal(t, 2, info.RetryCount)
	require.NotNil(t, info.EndTime)
	assert.GreaterOrEqual(t, info.DurationSeconds, 0.0)
}

func TestCircuitTracking(t *testing.T) {
	m := newRunningMachine(t)
	m.SetCircuitOpen("development", true)
	m.SetCircuitOpen("testing", true)
	assert.Equal(t, []string{"development", "testing"}, m.OpenCircuits())

	m.SetCircuitOpen("testing", false)
	assert.Equal(t, []string{"development"}, m.OpenCircuits())
}

func TestSnapshotPersistRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSnapshotStore(dir, testLogger())
	require.NoError(t, err)

	m := New("card-1", store, testLogger())
	require.NoError(t, m.Transition(StateInitializing, EventStart, "", nil))
	require.NoError(t, m.Transition(StateRunning, EventComplete, "", nil))
	require.NoError(t, m.Transition(StateStageRunning, EventStageStart, "integration", nil))
	m.Push(StateStageRunning, map[string]any{"stage": "integration"})
	m.UpdateStageState("integration", StageRunning, "")
	m.SetCircuitOpen("development", true)
	m.SetHealth(HealthDegraded)

	snap, err := store.Load("card-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, StateStageRunning, snap.State)
	assert.Equal(t, []string{"development"}, snap.CircuitBreakersOpen)

	restored := New("card-1", nil, testLogger())
	restored.Restore(snap)
	assert.Equal(t, StateStageRunning, restored.Current())
	assert.Equal(t, HealthDegraded, restored.Health())
	assert.Equal(t, []string{"development"}, restored.OpenCircuits())
	info, ok := restored.StageInfoFor("integration")
	require.True(t, ok)
	assert.Equal(t, StageRunning, info.State)
}

func TestSnapshotLoad_Missing(t *testing.T) {
	store, err := NewSnapshotStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	snap, err := store.Load("card-404")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotLoad_CorruptFallsBackToPrevious(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSnapshotStore(dir, testLogger())
	require.NoError(t, err)

	m := New("card-1", store, testLogger())
	require.NoError(t, m.Transition(StateInitializing, EventStart, "", nil))
	require.NoError(t, m.Transition(StateRunning, EventComplete, "", nil))

	// Corrupt the current file; the previous snapshot must win.
	path := filepath.Join(dir, "card-1_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	snap, err := store.Load("card-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, StateInitializing, snap.State)
}

func TestSnapshotLoad_BothCorruptMeansNoSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSnapshotStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "card-1_state.json"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "card-1_state.json.prev"), []byte("junk"), 0o644))

	snap, err := store.Load("card-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	m := newRunningMachine(t)
	m.UpdateStageState("architecture", StageCompleted, "")
	snap := m.Snapshot()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, snap.State, decoded.State)
	assert.Equal(t, snap.CardID, decoded.CardID)
	assert.Len(t, decoded.Stages, 1)
}

func TestFire_DerivesTarget(t *testing.T) {
	m := New("card-1", nil, testLogger())
	require.NoError(t, m.Fire(EventStart, "", nil))
	assert.Equal(t, StateInitializing, m.Current())

	err := m.Fire(EventPause, "", nil)
	assert.Error(t, err)
	assert.Equal(t, StateInitializing, m.Current())
}

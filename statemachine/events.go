package statemachine

// Event triggers a state transition.
type Event string

const (
	EventStart    Event = "START"
	EventComplete Event = "COMPLETE"
	EventFail     Event = "FAIL"
	EventAbort    Event = "ABORT"
	EventPause    Event = "PAUSE"
	EventResume   Event = "RESUME"

	EventStageStart    Event = "STAGE_START"
	EventStageComplete Event = "STAGE_COMPLETE"
	EventStageFail     Event = "STAGE_FAIL"
	EventStageRetry    Event = "STAGE_RETRY"
	EventStageSkip     Event = "STAGE_SKIP"
	EventStageTimeout  Event = "STAGE_TIMEOUT"

	EventRecoveryStart    Event = "RECOVERY_START"
	EventRecoverySuccess  Event = "RECOVERY_SUCCESS"
	EventRecoveryFail     Event = "RECOVERY_FAIL"
	EventRollbackStart    Event = "ROLLBACK_START"
	EventRollbackComplete Event = "ROLLBACK_COMPLETE"

	EventHealthDegraded  Event = "HEALTH_DEGRADED"
	EventHealthCritical  Event = "HEALTH_CRITICAL"
	EventHealthRecovered Event = "HEALTH_RECOVERED"

	EventCircuitOpen  Event = "CIRCUIT_OPEN"
	EventCircuitClose Event = "CIRCUIT_CLOSE"
)

// transitions is the fixed allowed-transition table: from state -> event ->
// resulting state. Any (state, event) pair absent from the table is an
// invalid transition. Terminal states have no entries.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStart: StateInitializing,
	},
	StateInitializing: {
		EventComplete: StateRunning,
		EventFail:     StateFailed,
		EventAbort:    StateAborted,
	},
	StateRunning: {
		EventStageStart:    StateStageRunning,
		EventComplete:      StateCompleted,
		EventFail:          StateFailed,
		EventAbort:         StateAborted,
		EventPause:         StatePaused,
		EventCircuitOpen:   StateDegraded,
		EventRecoveryStart: StateRecovering,
	},
	StateStageRunning: {
		EventStageComplete: StateRunning,
		EventStageFail:     StateStageFailed,
		EventStageTimeout:  StateStageFailed,
		EventStageRetry:    StateStageRunning,
		EventStageSkip:     StateRunning,
		EventCircuitOpen:   StateDegraded,
		EventAbort:         StateAborted,
		EventPause:         StatePaused,
	},
	StateStageFailed: {
		EventStageRetry:    StateStageRunning,
		EventRecoveryStart: StateRecovering,
		EventRollbackStart: StateRollingBack,
		EventFail:          StateFailed,
		EventAbort:         StateAborted,
	},
	StateRecovering: {
		EventRecoverySuccess: StateRunning,
		EventRecoveryFail:    StateFailed,
		EventRollbackStart:   StateRollingBack,
		EventAbort:           StateAborted,
	},
	StateRollingBack: {
		EventRollbackComplete: StateRunning,
		EventRecoveryFail:     StateFailed,
		EventFail:             StateFailed,
		EventAbort:            StateAborted,
	},
	StateDegraded: {
		EventCircuitClose:  StateRunning,
		EventStageStart:    StateStageRunning,
		EventRecoveryStart: StateRecovering,
		EventFail:          StateFailed,
		EventComplete:      StateCompleted,
		EventAbort:         StateAborted,
	},
	StatePaused: {
		EventResume: StateRunning,
		EventAbort:  StateAborted,
	},
	StateFailed: {
		EventStart:         StateInitializing,
		EventRecoveryStart: StateRecovering,
	},
}

// TargetFor returns the state the table maps (from, event) to.
func TargetFor(from State, event Event) (State, bool) {
	row, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := row[event]
	return to, ok
}

// Allowed reports whether the table permits (from, event) -> to.
func Allowed(from State, event Event, to State) bool {
	target, ok := TargetFor(from, event)
	return ok && target == to
}

// Package statemachine is the authoritative record of where a pipeline run
// is at any moment. It combines a fixed transition table with a pushdown
// stack of state frames, so nested activities (stage execution, recovery,
// rollback) can unwind to a known-good state. Every mutation persists a
// snapshot keyed by card id.
package statemachine

import "time"

// State is a pipeline-level state.
type State string

const (
	StateIdle         State = "IDLE"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateStageRunning State = "STAGE_RUNNING"
	StateStageFailed  State = "STAGE_FAILED"
	StateRecovering   State = "RECOVERING"
	StateDegraded     State = "DEGRADED"
	StatePaused       State = "PAUSED"
	StateRollingBack  State = "ROLLING_BACK"
	StateFailed       State = "FAILED"
	StateCompleted    State = "COMPLETED"
	StateAborted      State = "ABORTED"
)

// IsTerminal reports whether s is absorbing: no further transitions are
// accepted once entered.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

// HealthStatus is the pipeline's aggregate health, tracked alongside the
// main state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED_HEALTH"
	HealthCritical HealthStatus = "CRITICAL"
)

// StageState is the per-stage execution state.
type StageState string

const (
	StagePending     StageState = "pending"
	StageRunning     StageState = "running"
	StageCompleted   StageState = "completed"
	StageFailed      StageState = "failed"
	StageRetrying    StageState = "retrying"
	StageSkipped     StageState = "skipped"
	StageCircuitOpen StageState = "circuit_open"
	StageTimedOut    StageState = "timed_out"
	StageRolledBack  StageState = "rolled_back"
)

// StageInfo is the per-stage record maintained by the machine.
type StageInfo struct {
	StageName       string         `json:"stage_name"`
	State           StageState     `json:"state"`
	StartTime       *time.Time     `json:"start_time,omitempty"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	RetryCount      int            `json:"retry_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Frame is one entry of the pushdown stack.
type Frame struct {
	State     State          `json:"state"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Transition is an immutable record of one state-machine edit.
type Transition struct {
	From      State          `json:"from_state"`
	To        State          `json:"to_state"`
	Event     Event          `json:"event"`
	Reason    string         `json:"reason,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

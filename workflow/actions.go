package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"
)

// Action is one remediation step: a tagged variant dispatched by name
// through the engine's handler registry, never an inline callable, so
// workflows stay declarable and persistable.
type Action struct {
	Name           string         `json:"name"`
	Params         map[string]any `json:"params,omitempty"`
	RetryOnFailure bool           `json:"retry_on_failure"`
	MaxRetries     int            `json:"max_retries"`
}

// ActionContext carries everything a handler may act on. Handlers mutate
// only Shared; state-machine edits stay with the engine.
type ActionContext struct {
	CardID string
	Stage  string
	Issue  IssueType
	Params map[string]any

	// Shared is the caller-provided recovery context; handlers record
	// their outcomes here (retry requests, adjusted timeouts).
	Shared map[string]any

	// ResetCircuit closes the breaker for a stage, when the supervisor
	// wires it in. Nil when no supervisor is attached.
	ResetCircuit func(stage string)
}

// Handler executes one action and returns a human-readable message.
type Handler func(ctx context.Context, actx *ActionContext) (string, error)

// BuiltinHandlers returns the canonical action handlers. Callers may
// replace or extend any of them before constructing the engine.
func BuiltinHandlers() map[string]Handler {
	return map[string]Handler{
		"increase_timeout":     increaseTimeout,
		"kill_hanging_process": killHangingProcess,
		"free_memory":          freeMemory,
		"cleanup_temp_files":   cleanupTempFiles,
		"retry_stage":          retryStage,
		"restart_process":      restartProcess,
		"wait_backoff":         waitBackoff,
		"reset_circuit":        resetCircuit,
	}
}

// increaseTimeout scales the stage timeout recorded in the shared context.
func increaseTimeout(_ context.Context, actx *ActionContext) (string, error) {
	factor := paramFloat(actx.Params, "factor", 2)
	current := paramFloat(actx.Shared, "timeout_seconds", 300)
	next := current * factor
	actx.Shared["timeout_seconds"] = next
	return fmt.Sprintf("timeout raised from %.0fs to %.0fs", current, next), nil
}

// killHangingProcess signals the process group recorded in the shared
// context. Absent pid means nothing is hanging; that is success.
func killHangingProcess(_ context.Context, actx *ActionContext) (string, error) {
	pid := paramInt(actx.Shared, "hanging_pid", 0)
	if pid <= 0 {
		return "no hanging process recorded", nil
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			return "", fmt.Errorf("kill pid %d: %w", pid, err)
		}
	}
	delete(actx.Shared, "hanging_pid")
	return fmt.Sprintf("killed process group %d", pid), nil
}

// freeMemory asks the runtime to return memory to the OS.
func freeMemory(_ context.Context, actx *ActionContext) (string, error) {
	debug.FreeOSMemory()
	return "released free heap pages to the OS", nil
}

// cleanupTempFiles removes pipeline-owned temp files. Only paths under the
// shared temp_dir with our prefix are touched.
func cleanupTempFiles(_ context.Context, actx *ActionContext) (string, error) {
	dir, _ := actx.Shared["temp_dir"].(string)
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read temp dir %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "artemis-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return fmt.Sprintf("removed %d temp entries", removed), nil
}

// retryStage requests re-execution of the failed stage. The supervisor
// reads the flag when the workflow returns.
func retryStage(_ context.Context, actx *ActionContext) (string, error) {
	stage := actx.Stage
	if stage == "" {
		stage, _ = actx.Shared["stage"].(string)
	}
	if stage == "" {
		return "", fmt.Errorf("no stage to retry")
	}
	actx.Shared["retry_stage"] = stage
	return "stage " + stage + " queued for retry", nil
}

// restartProcess requests a full worker restart; the outer process manager
// honors it after the run reaches a safe point.
func restartProcess(_ context.Context, actx *ActionContext) (string, error) {
	actx.Shared["restart_requested"] = true
	return "process restart requested", nil
}

// waitBackoff sleeps for the configured number of seconds, honoring
// cancellation.
func waitBackoff(ctx context.Context, actx *ActionContext) (string, error) {
	seconds := paramFloat(actx.Params, "seconds", 1)
	d := time.Duration(seconds * float64(time.Second))
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(d):
	}
	return fmt.Sprintf("waited %s", d), nil
}

// resetCircuit closes the breaker for the failed stage.
func resetCircuit(_ context.Context, actx *ActionContext) (string, error) {
	if actx.ResetCircuit == nil {
		return "no circuit resetter attached", nil
	}
	stage := actx.Stage
	if stage == "" {
		stage, _ = actx.Shared["stage"].(string)
	}
	actx.ResetCircuit(stage)
	return "circuit reset for stage " + stage, nil
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

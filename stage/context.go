// Package stage defines the pipeline's stage capability (one Execute
// operation), the registry the orchestrator composes from, and the shared
// per-run context threaded between stages.
package stage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Reserved top-level context keys with strict shapes. Stage results live
// under the stage's own name; nothing may write into another namespace.
const (
	KeyRetry       = "retry"
	KeySharedData  = "shared_data"
	KeyDiagnostics = "diagnostics"
)

// RetryInfo is the strict shape of the reserved "retry" namespace: the
// feedback a failed code review hands to the next development attempt.
type RetryInfo struct {
	Attempt                int           `json:"retry_attempt"`
	PreviousReviewFeedback string        `json:"previous_review_feedback"`
	Issues                 []ReviewIssue `json:"issues,omitempty"`
}

// Diagnostic is one supervisor or state-machine note.
type Diagnostic struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the mutable mapping threaded between stages. Writers append:
// a stage may replace its own namespace (retries do) but never another's,
// and every value must survive a JSON round trip because the context is
// the raw material for the final report.
type Context struct {
	mu          sync.RWMutex
	values      map[string]any
	sharedData  map[string]any
	diagnostics []Diagnostic
	retry       *RetryInfo
}

// NewContext creates an empty pipeline context.
func NewContext() *Context {
	return &Context{
		values:     make(map[string]any),
		sharedData: make(map[string]any),
	}
}

// SetStageResult records a stage's result under its namespace. The result
// must be JSON-serializable; reserved keys are rejected.
func (c *Context) SetStageResult(stageName string, result Result) error {
	switch stageName {
	case KeyRetry, KeySharedData, KeyDiagnostics:
		return fmt.Errorf("%q is a reserved context namespace", stageName)
	}
	if err := checkSerializable(result); err != nil {
		return fmt.Errorf("stage %s result: %w", stageName, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[stageName] = map[string]any(result)
	return nil
}

// StageResult returns the stored result for a stage.
func (c *Context) StageResult(stageName string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.values[stageName]
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	return Result(m), true
}

// SetRetryInfo replaces the reserved retry namespace.
func (c *Context) SetRetryInfo(info *RetryInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = info
}

// RetryInfo returns the current retry namespace, nil outside a retry.
func (c *Context) RetryInfo() *RetryInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retry
}

// MergeSharedData merges patch into the shared_data namespace.
func (c *Context) MergeSharedData(patch map[string]any) error {
	if err := checkSerializable(patch); err != nil {
		return fmt.Errorf("shared_data patch: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range patch {
		c.sharedData[k] = v
	}
	return nil
}

// SharedData returns a copy of the shared_data namespace.
func (c *Context) SharedData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.sharedData))
	for k, v := range c.sharedData {
		out[k] = v
	}
	return out
}

// AddDiagnostic appends a note to the diagnostics namespace.
func (c *Context) AddDiagnostic(component, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics = append(c.diagnostics, Diagnostic{
		Component: component,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// Diagnostics returns a copy of the diagnostics namespace.
func (c *Context) Diagnostics() []Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Diagnostic(nil), c.diagnostics...)
}

// StageNames returns the stage namespaces present, in no particular order.
func (c *Context) StageNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.values))
	for k := range c.values {
		names = append(names, k)
	}
	return names
}

// Snapshot renders the full context, including reserved namespaces, as one
// JSON-safe map.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.values)+3)
	for k, v := range c.values {
		out[k] = v
	}
	out[KeySharedData] = c.sharedData
	if c.retry != nil {
		out[KeyRetry] = c.retry
	}
	if len(c.diagnostics) > 0 {
		out[KeyDiagnostics] = c.diagnostics
	}
	// Deep copy through JSON so callers cannot reach shared maps.
	data, err := json.Marshal(out)
	if err != nil {
		return map[string]any{}
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return map[string]any{}
	}
	return copied
}

func checkSerializable(v any) error {
	if _, err := json.Marshal(v); err != nil {
		return fmt.Errorf("not JSON-serializable: %w", err)
	}
	return nil
}

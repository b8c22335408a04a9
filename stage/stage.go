package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artemishq/artemis/kanban"
	"github.com/artemishq/artemis/messenger"
	"github.com/artemishq/artemis/rag"
)

// Result statuses. Every result map carries "status" with one of these.
const (
	StatusComplete = "COMPLETE"
	StatusFail     = "FAIL"
	StatusSkip     = "SKIP"
)

// Result is a stage's outcome: a JSON-safe map with at least a "status"
// key. Extra keys are stage-specific and land in the pipeline context
// under the stage's name.
type Result map[string]any

// Status returns the result's status, empty when absent or malformed.
func (r Result) Status() string {
	s, _ := r["status"].(string)
	return s
}

// Complete reports whether the stage finished successfully.
func (r Result) Complete() bool { return r.Status() == StatusComplete }

// Failed reports whether the stage failed.
func (r Result) Failed() bool { return r.Status() == StatusFail }

// Skipped reports whether the stage was skipped.
func (r Result) Skipped() bool { return r.Status() == StatusSkip }

// OK builds a COMPLETE result with the given extra fields.
func OK(fields map[string]any) Result {
	r := Result{"status": StatusComplete}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Fail builds a FAIL result carrying the reason.
func Fail(reason string, fields map[string]any) Result {
	r := Result{"status": StatusFail, "reason": reason}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Skip builds a SKIP result carrying the reason.
func Skip(reason string) Result {
	return Result{"status": StatusSkip, "reason": reason}
}

// Stage is one pipeline step. Execute must be idempotent for the same card
// and context: stages check the context for their own completed result and
// return it instead of redoing work.
type Stage interface {
	Name() string
	Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error)
}

// Deps bundles the substrate handles stages share. Any field may be nil;
// stages degrade to local heuristics when a handle is absent.
type Deps struct {
	RAG       rag.Store
	Messenger messenger.Messenger
	Logger    *slog.Logger

	// MaxParallelDevelopers bounds the development worker pool; <= 0 uses
	// DefaultMaxParallelDevelopers.
	MaxParallelDevelopers int
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Registry holds stages by name, preserving registration order.
type Registry struct {
	stages map[string]Stage
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds a stage. Re-registering a name replaces the stage but
// keeps its original position.
func (r *Registry) Register(s Stage) {
	if _, exists := r.stages[s.Name()]; !exists {
		r.order = append(r.order, s.Name())
	}
	r.stages[s.Name()] = s
}

// Get returns the stage registered under name.
func (r *Registry) Get(name string) (Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("stage %q not registered", name)
	}
	return s, nil
}

// Names returns the registered stage names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// DefaultRegistry builds the canonical eight-stage pipeline in its fixed
// execution order.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(NewProjectAnalysisStage(deps))
	r.Register(NewArchitectureStage(deps))
	r.Register(NewDependencyValidationStage(deps))
	r.Register(NewDevelopmentStage(deps, nil, deps.MaxParallelDevelopers))
	r.Register(NewCodeReviewStage(deps, nil))
	r.Register(NewValidationStage(deps))
	r.Register(NewIntegrationStage(deps))
	r.Register(NewTestingStage(deps))
	return r
}

// Order is the fixed pipeline stage order.
var Order = []string{
	"project_analysis",
	"architecture",
	"dependencies",
	"development",
	"code_review",
	"validation",
	"integration",
	"testing",
}

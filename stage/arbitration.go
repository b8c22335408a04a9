package stage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/artemishq/artemis/kanban"
)

// ErrAllWorkersDisqualified means every parallel developer produced output
// with blocking findings, so the stage has nothing to promote.
var ErrAllWorkersDisqualified = errors.New("all development workers disqualified")

// Scorecard grades one worker's output across the review dimensions.
type Scorecard struct {
	Overall       int `json:"overall"`
	Security      int `json:"security"`
	Accessibility int `json:"accessibility"`
	GDPR          int `json:"gdpr"`
	CodeQuality   int `json:"code_quality"`
}

// WorkerResult is one parallel developer's submission.
type WorkerResult struct {
	WorkerID       string    `json:"worker_id"`
	ArtifactDir    string    `json:"artifact_dir"`
	Scorecard      Scorecard `json:"scorecard"`
	CriticalIssues int       `json:"critical_issues"`
	CompletedAt    time.Time `json:"completed_at"`
	Summary        string    `json:"summary,omitempty"`
}

// Worker develops the card once and returns its graded submission.
type Worker interface {
	Name() string
	Develop(ctx context.Context, card *kanban.Card, pctx *Context) (*WorkerResult, error)
}

// SelectWinner arbitrates between worker submissions. Submissions with any
// critical issue are disqualified; among the rest the highest overall score
// wins, ties broken by security, then accessibility, then earliest
// completion.
func SelectWinner(results []*WorkerResult) (*WorkerResult, error) {
	qualified := make([]*WorkerResult, 0, len(results))
	for _, r := range results {
		if r == nil || r.CriticalIssues > 0 {
			continue
		}
		qualified = append(qualified, r)
	}
	if len(qualified) == 0 {
		return nil, ErrAllWorkersDisqualified
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		a, b := qualified[i], qualified[j]
		if a.Scorecard.Overall != b.Scorecard.Overall {
			return a.Scorecard.Overall > b.Scorecard.Overall
		}
		if a.Scorecard.Security != b.Scorecard.Security {
			return a.Scorecard.Security > b.Scorecard.Security
		}
		if a.Scorecard.Accessibility != b.Scorecard.Accessibility {
			return a.Scorecard.Accessibility > b.Scorecard.Accessibility
		}
		return a.CompletedAt.Before(b.CompletedAt)
	})
	return qualified[0], nil
}

func workerResultToMap(r *WorkerResult) map[string]any {
	return map[string]any{
		"worker_id":       r.WorkerID,
		"artifact_dir":    r.ArtifactDir,
		"critical_issues": r.CriticalIssues,
		"completed_at":    r.CompletedAt.UTC().Format(time.RFC3339Nano),
		"summary":         r.Summary,
		"scorecard": map[string]any{
			"overall":       r.Scorecard.Overall,
			"security":      r.Scorecard.Security,
			"accessibility": r.Scorecard.Accessibility,
			"gdpr":          r.Scorecard.GDPR,
			"code_quality":  r.Scorecard.CodeQuality,
		},
	}
}

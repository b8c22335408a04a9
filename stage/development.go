package stage

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artemishq/artemis/kanban"
)

// DefaultMaxParallelDevelopers bounds the worker pool when the
// configuration does not say otherwise.
const DefaultMaxParallelDevelopers = 3

// DevelopmentStage runs the parallel developer pool and arbitrates a
// winner. Worker failures disqualify that worker only; the stage fails when
// no worker qualifies.
type DevelopmentStage struct {
	deps        Deps
	workers     []Worker
	maxParallel int
}

// NewDevelopmentStage builds the stage. Nil workers installs the scripted
// default pool; maxParallel <= 0 uses DefaultMaxParallelDevelopers.
func NewDevelopmentStage(deps Deps, workers []Worker, maxParallel int) *DevelopmentStage {
	if len(workers) == 0 {
		workers = []Worker{
			&scriptedWorker{id: "worker-a"},
			&scriptedWorker{id: "worker-b"},
			&scriptedWorker{id: "worker-c"},
		}
	}
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelDevelopers
	}
	return &DevelopmentStage{deps: deps, workers: workers, maxParallel: maxParallel}
}

func (s *DevelopmentStage) Name() string { return "development" }

func (s *DevelopmentStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	retry := pctx.RetryInfo()
	if prev, ok := pctx.StageResult(s.Name()); ok && prev.Complete() && retry == nil {
		return prev, nil
	}

	logger := s.deps.logger()
	attempt := 0
	if retry != nil {
		attempt = retry.Attempt
		logger.Info("Development retry with review feedback",
			"card_id", card.ID, "attempt", attempt, "issues", len(retry.Issues))
	}

	var (
		mu      sync.Mutex
		results []*WorkerResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for _, worker := range s.workers {
		g.Go(func() error {
			res, err := worker.Develop(gctx, card, pctx)
			if err != nil {
				// One worker failing is not fatal; arbitration decides
				// from whoever finished.
				logger.Warn("Development worker failed",
					"card_id", card.ID, "worker", worker.Name(), "error", err)
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("development pool for card %s: %w", card.ID, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	winner, err := SelectWinner(results)
	if err != nil {
		all := make([]any, 0, len(results))
		for _, r := range results {
			all = append(all, workerResultToMap(r))
		}
		return Fail("all workers disqualified", map[string]any{"workers": all}), nil
	}

	all := make([]any, 0, len(results))
	for _, r := range results {
		all = append(all, workerResultToMap(r))
	}
	logger.Info("Development winner selected",
		"card_id", card.ID, "worker", winner.WorkerID, "overall", winner.Scorecard.Overall)
	return OK(map[string]any{
		"winner":        workerResultToMap(winner),
		"workers":       all,
		"worker_count":  len(results),
		"retry_attempt": attempt,
	}), nil
}

// scriptedWorker grades deterministically from the card and its own id, so
// the default pipeline is reproducible without an LLM attached. Review
// feedback raises the scores, modeling a developer that actually addresses
// the findings.
type scriptedWorker struct {
	id string
}

func (w *scriptedWorker) Name() string { return w.id }

func (w *scriptedWorker) Develop(ctx context.Context, card *kanban.Card, pctx *Context) (*WorkerResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	base := scoreSeed(card.ID + "/" + w.id)
	boost := 0
	if retry := pctx.RetryInfo(); retry != nil {
		boost = retry.Attempt * 8
	}
	sc := Scorecard{
		Overall:       clampScore(60 + base%30 + boost),
		Security:      clampScore(55 + (base/3)%40 + boost),
		Accessibility: clampScore(50 + (base/7)%45 + boost),
		GDPR:          clampScore(65 + (base/11)%30 + boost),
		CodeQuality:   clampScore(55 + (base/13)%35 + boost),
	}
	return &WorkerResult{
		WorkerID:    w.id,
		ArtifactDir: fmt.Sprintf("artifacts/%s/%s", card.ID, w.id),
		Scorecard:   sc,
		CompletedAt: time.Now().UTC(),
		Summary:     fmt.Sprintf("%s implementation of %q", w.id, card.Title),
	}, nil
}

func scoreSeed(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % 1000)
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

package supervisor

import (
	"time"

	"github.com/sony/gobreaker"
)

// Health grades for the aggregate report.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFailing  = "failing"
	HealthCritical = "critical"
)

// StageStats accumulates supervision counters for one stage.
type StageStats struct {
	StageName     string        `json:"stage_name"`
	Executions    int           `json:"executions"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	Skips         int           `json:"skips"`
	Retries       int           `json:"retries"`
	Timeouts      int           `json:"timeouts"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	LastStatus    string        `json:"last_status,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// HealthReport is a point-in-time view of the supervised pipeline.
type HealthReport struct {
	Overall      string                 `json:"overall"`
	Stages       map[string]*StageStats `json:"stages"`
	OpenCircuits []string               `json:"open_circuits"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// HealthCheck grades the pipeline: critical when more than one breaker is
// open, failing when one is, degraded when over a quarter of executions
// failed, healthy otherwise.
func (s *Supervisor) HealthCheck() *HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []string
	for name, cb := range s.breakers {
		if cb.State() == gobreaker.StateOpen {
			open = append(open, name)
		}
	}

	stages := make(map[string]*StageStats, len(s.stats))
	executions, failures := 0, 0
	for name, st := range s.stats {
		dup := *st
		stages[name] = &dup
		executions += st.Executions
		failures += st.Failures + st.Timeouts
	}

	overall := HealthHealthy
	switch {
	case len(open) > 1:
		overall = HealthCritical
	case len(open) == 1:
		overall = HealthFailing
	case executions > 0 && failures*4 > executions:
		overall = HealthDegraded
	}

	return &HealthReport{
		Overall:      overall,
		Stages:       stages,
		OpenCircuits: open,
		GeneratedAt:  time.Now().UTC(),
	}
}

// Stats returns a copy of the counters for one stage.
func (s *Supervisor) Stats(stageName string) (StageStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[stageName]
	if !ok {
		return StageStats{}, false
	}
	return *st, true
}

func (s *Supervisor) statsFor(stageName string) *StageStats {
	st, ok := s.stats[stageName]
	if !ok {
		st = &StageStats{StageName: stageName}
		s.stats[stageName] = st
	}
	return st
}

func (s *Supervisor) recordOutcome(stageName, status string, elapsed time.Duration, errMsg string) {
	s.mu.Lock()
	st := s.statsFor(stageName)
	st.Executions++
	st.TotalDuration += elapsed
	st.LastStatus = status
	st.LastError = errMsg
	switch status {
	case "COMPLETE", "SKIP":
		st.Successes++
	case "TIMEOUT":
		st.Timeouts++
	default:
		st.Failures++
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveExecution(stageName, status, elapsed)
	}
}

func (s *Supervisor) recordRetry(stageName string) {
	s.mu.Lock()
	s.statsFor(stageName).Retries++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncRetry(stageName)
	}
}

func (s *Supervisor) recordSkip(stageName, reason string) {
	s.mu.Lock()
	st := s.statsFor(stageName)
	st.Skips++
	st.LastStatus = "SKIP"
	st.LastError = reason
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ObserveExecution(stageName, "SKIP", 0)
	}
}

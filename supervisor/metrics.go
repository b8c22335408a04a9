package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports supervision counters to Prometheus.
type Metrics struct {
	executions *prometheus.CounterVec
	retries    *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	circuits   *prometheus.GaugeVec
	budget     prometheus.Gauge
}

// NewMetrics registers the supervision metrics on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artemis_stage_executions_total",
			Help: "Stage execution attempts by terminal status.",
		}, []string{"stage", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artemis_stage_retries_total",
			Help: "Stage retry attempts.",
		}, []string{"stage"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artemis_stage_duration_seconds",
			Help:    "Stage execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		circuits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "artemis_circuit_open",
			Help: "Whether the stage's circuit breaker is open (1) or closed (0).",
		}, []string{"stage"}),
		budget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "artemis_budget_spent_dollars",
			Help: "Cumulative spend recorded by the budget tracker.",
		}),
	}
}

// ObserveExecution records one finished attempt.
func (m *Metrics) ObserveExecution(stage, status string, elapsed time.Duration) {
	m.executions.WithLabelValues(stage, status).Inc()
	if elapsed > 0 {
		m.durations.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// IncRetry records one retry.
func (m *Metrics) IncRetry(stage string) {
	m.retries.WithLabelValues(stage).Inc()
}

// SetCircuitOpen mirrors a breaker state.
func (m *Metrics) SetCircuitOpen(stage string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.circuits.WithLabelValues(stage).Set(v)
}

// SetBudgetSpent mirrors the tracker's cumulative spend.
func (m *Metrics) SetBudgetSpent(dollars float64) {
	m.budget.Set(dollars)
}

// Package metrics holds the pipeline's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "discoveryline"

type Metrics struct {
	runs               *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	convergence        *prometheus.CounterVec
	collaboratorErrors *prometheus.CounterVec
	invocations        *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: status (completed, failed, stopped, human_review)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by the status the orchestrator left them in",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent producing a stage checkpoint",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		// Labels: engine (solution, feasibility), outcome (converged, forced, forced_infeasible, infeasible)
		convergence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "convergence_total",
			Help:      "Dialogue engine outcomes",
		}, []string{"engine", "outcome"}),
		collaboratorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Failed collaborator invocations",
		}, []string{"agent"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_invocations_total",
			Help:      "Collaborator invocations by outcome",
		}, []string{"agent", "status"}),
	}
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Convergence(engine, outcome string) {
	if m == nil {
		return
	}
	m.convergence.WithLabelValues(engine, outcome).Inc()
}

func (m *Metrics) Invocation(agent string, err error) {
	if m == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
		m.collaboratorErrors.WithLabelValues(agent).Inc()
	}
	m.invocations.WithLabelValues(agent, status).Inc()
}

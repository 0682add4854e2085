package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed on /metrics. Each instance owns its
// registry so tests and multiple engines never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	profileRuns        *prometheus.CounterVec
	evaluatorErrors    *prometheus.CounterVec
	budgetExceeded     *prometheus.CounterVec
	validationFailures prometheus.Counter
	observationsDrop   prometheus.Counter
	catalogGeneration  prometheus.Gauge
}

// NewMetrics registers the defense collectors plus the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_evaluations_total",
			Help: "Total number of request evaluations by final action",
		}, []string{"action"}),
		profileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_profile_runs_total",
			Help: "Total number of profile executions by outcome",
		}, []string{"profile", "outcome"}),
		evaluatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_evaluator_errors_total",
			Help: "Capability failures converted into neutral results",
		}, []string{"defense"}),
		budgetExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_budget_exceeded_total",
			Help: "Profile executions stopped by a budget",
		}, []string{"reason"}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "defense_validation_failures_total",
			Help: "Profiles rejected by graph validation",
		}),
		observationsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "defense_observations_dropped_total",
			Help: "Observation side effects dropped because the queue was full",
		}),
		catalogGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "defense_catalog_generation",
			Help: "Generation of the active profile catalog",
		}),
	}
	m.registry.MustRegister(
		m.evaluations,
		m.profileRuns,
		m.evaluatorErrors,
		m.budgetExceeded,
		m.validationFailures,
		m.observationsDrop,
		m.catalogGeneration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncEvaluation counts one completed evaluation.
func (m *Metrics) IncEvaluation(action string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(action).Inc()
}

// IncProfileRun counts one profile execution. Outcome is the action, or the error kind
// when the profile fell back.
func (m *Metrics) IncProfileRun(profileID, outcome string) {
	if m == nil {
		return
	}
	m.profileRuns.WithLabelValues(profileID, outcome).Inc()
}

// IncEvaluatorError counts a failed capability call.
func (m *Metrics) IncEvaluatorError(defense string) {
	if m == nil {
		return
	}
	m.evaluatorErrors.WithLabelValues(defense).Inc()
}

// IncBudgetExceeded counts a profile stopped by its time or visit budget.
func (m *Metrics) IncBudgetExceeded(reason string) {
	if m == nil {
		return
	}
	m.budgetExceeded.WithLabelValues(reason).Inc()
}

// IncValidationFailure counts a profile rejected by validation.
func (m *Metrics) IncValidationFailure() {
	if m == nil {
		return
	}
	m.validationFailures.Inc()
}

// IncObservationDropped counts a dropped observation.
func (m *Metrics) IncObservationDropped() {
	if m == nil {
		return
	}
	m.observationsDrop.Inc()
}

// SetCatalogGeneration records the generation of the installed catalog.
func (m *Metrics) SetCatalogGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.catalogGeneration.Set(float64(gen))
}

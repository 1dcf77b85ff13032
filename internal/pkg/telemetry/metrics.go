package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "saga_orchestrator"

// Metrics wraps the Prometheus collectors of the saga orchestrator. It uses
// a private registry so tests can create as many instances as they need.
type Metrics struct {
	registry      *prometheus.Registry
	sagas         *prometheus.CounterVec
	sagaDuration  *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	activeSagas   *prometheus.GaugeVec
}

// NewMetrics creates a registry and registers the saga metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_total",
			Help:      "Total number of sagas by type and status (started, completed, failed, compensated).",
		}, []string{"saga_type", "status"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Time from saga start to its terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"saga_type", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_steps_total",
			Help:      "Total number of step executions by outcome.",
		}, []string{"saga_type", "step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_duration_seconds",
			Help:      "Duration of a single step execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"saga_type", "step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Total number of compensating actions by outcome.",
		}, []string{"saga_type", "compensation_step", "outcome"}),
		activeSagas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sagas",
			Help:      "Number of sagas currently being executed.",
		}, []string{"saga_type"}),
	}

	registry.MustRegister(m.sagas, m.sagaDuration, m.steps, m.stepDuration, m.compensations, m.activeSagas)
	return m
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SagaStarted(sagaType string) {
	m.sagas.WithLabelValues(sagaType, "started").Inc()
}

// SagaFinished counts a saga reaching a terminal status and observes its
// total duration.
func (m *Metrics) SagaFinished(sagaType, status string, seconds float64) {
	m.sagas.WithLabelValues(sagaType, status).Inc()
	m.sagaDuration.WithLabelValues(sagaType, status).Observe(seconds)
}

func (m *Metrics) SagaActive(sagaType string, delta float64) {
	m.activeSagas.WithLabelValues(sagaType).Add(delta)
}

func (m *Metrics) StepFinished(sagaType, step, outcome string, seconds float64) {
	m.steps.WithLabelValues(sagaType, step, outcome).Inc()
	m.stepDuration.WithLabelValues(sagaType, step).Observe(seconds)
}

func (m *Metrics) CompensationFinished(sagaType, step, outcome string) {
	m.compensations.WithLabelValues(sagaType, step, outcome).Inc()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SagaStarted(string)                           {}
func (NopMetrics) SagaFinished(string, string, float64)         {}
func (NopMetrics) SagaActive(string, float64)                   {}
func (NopMetrics) StepFinished(string, string, string, float64) {}
func (NopMetrics) CompensationFinished(string, string, string)  {}

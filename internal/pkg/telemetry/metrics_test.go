package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.SagaStarted("order_processing")
	m.SagaStarted("order_processing")
	m.SagaFinished("order_processing", "completed", 1.5)
	m.StepFinished("order_processing", "check_stock", "success", 0.01)
	m.StepFinished("order_processing", "reserve_stock", "failed", 0.02)
	m.CompensationFinished("order_processing", "release_stock", "failed")
	m.SagaActive("order_processing", 1)
	m.SagaActive("order_processing", 1)
	m.SagaActive("order_processing", -1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sagas.WithLabelValues("order_processing", "started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagas.WithLabelValues("order_processing", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("order_processing", "reserve_stock", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("order_processing", "release_stock", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSagas.WithLabelValues("order_processing")))
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics()
	m.SagaStarted("order_processing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `saga_orchestrator_sagas_total{saga_type="order_processing",status="started"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestNewMetricsIsolated(t *testing.T) {
	// Two instances must not collide on registration.
	a, b := NewMetrics(), NewMetrics()
	a.SagaStarted("x")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sagas.WithLabelValues("x", "started")))
}

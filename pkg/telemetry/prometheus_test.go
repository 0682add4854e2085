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
	m.IncEvaluation("block")
	m.IncEvaluation("block")
	m.IncEvaluation("allow")
	m.IncProfileRun("strict", "budget")
	m.IncEvaluatorError("ip_reputation")
	m.IncBudgetExceeded("deadline")
	m.IncValidationFailure()
	m.IncObservationDropped()
	m.SetCatalogGeneration(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.evaluations.WithLabelValues("block")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profileRuns.WithLabelValues("strict", "budget")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluatorErrors.WithLabelValues("ip_reputation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetExceeded.WithLabelValues("deadline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.observationsDrop))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.catalogGeneration))
}

func TestMetricsNilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEvaluation("allow")
		m.IncObservationDropped()
		m.SetCatalogGeneration(1)
	})
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.IncEvaluation("flag")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `defense_evaluations_total{action="flag"} 1`))
}

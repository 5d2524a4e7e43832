package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetBool(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "flag"})

	SetBool(g, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(g))

	SetBool(g, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(g))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.MaintenanceMode.Set(1)
	m.ReadinessChecks.WithLabelValues("not_ready").Inc()
	m.TotalLogins.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	tests := []string{
		"maintenance_gate_maintenance_mode 1",
		`maintenance_gate_readiness_checks_total{result="not_ready"} 1`,
		"total_logins 3",
		"active_sessions_total 0",
		"go_goroutines",
	}
	for _, want := range tests {
		assert.Contains(t, string(body), want)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.BlockedRequests.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.BlockedRequests))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BlockedRequests))
}

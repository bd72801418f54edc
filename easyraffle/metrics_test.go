package easyraffle

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recreated(t *testing.T) {
	node := "tls://metrics.test:7770"
	first := newMetrics(node)
	first.entries.Inc()
	second := newMetrics(node)
	second.entries.Add(2)
	newMetrics("tls://other.test:7770")

	families, err := registries.gatherers().Gather()
	require.NoError(t, err)
	var series float64
	for _, mf := range families {
		if mf.GetName() != "easyraffle_entries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "node" && l.GetValue() == node {
					series++
					require.Equal(t, 2.0, m.GetCounter().GetValue())
				}
			}
		}
	}
	require.Equal(t, 1.0, series)
	require.Equal(t, 2.0, testutil.ToFloat64(second.entries))

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `easyraffle_entries_total{node="tls://metrics.test:7770"} 2`)
}

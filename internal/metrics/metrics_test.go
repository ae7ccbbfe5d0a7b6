package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTick("0x1", "ok", time.Second)
	m.ObserveQuote("LiFi", "accepted", time.Second)
	m.ObserveJob("ExecuteRebalance", "completed", time.Second)
	m.SetHealth("HEALTHY", []string{"HEALTHY"})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveQuote("LiFi", "accepted", 10*time.Millisecond)
	m.ObserveQuote("LiFi", "accepted", 10*time.Millisecond)
	m.ObserveQuote("CCTP", "high_slippage", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuotesTotal.WithLabelValues("LiFi", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotesTotal.WithLabelValues("CCTP", "high_slippage")))

	m.SetHealth("DOWN", []string{"HEALTHY", "DOWN"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("DOWN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("HEALTHY")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.ObserveJob("ExecuteCCTPMint", "failed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `liquidity_rebalancer_jobs_processed_total{job="ExecuteCCTPMint",outcome="failed"} 1`)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/repository"
	"liquidity-rebalancer/internal/version"
)

type fakeHealth struct {
	status      repository.HealthStatus
	lastMinutes int
}

func (f *fakeHealth) CheckRebalancingHealth(context.Context) repository.HealthStatus {
	return f.status
}

func (f *fakeHealth) GetHealthMetrics(_ context.Context, minutes int) repository.HealthMetrics {
	f.lastMinutes = minutes
	return repository.HealthMetrics{TimeRangeMinutes: minutes, Verdict: repository.VerdictIdle, IsHealthy: true}
}

type fakeJobs struct {
	counts map[queue.State]int64
	err    error
}

func (f fakeJobs) Counts(context.Context) (map[queue.State]int64, error) { return f.counts, f.err }

func serve(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthzReportsVerdictAndJobs(t *testing.T) {
	health := &fakeHealth{status: repository.HealthStatus{IsHealthy: true, Verdict: repository.VerdictHealthy}}
	jobs := fakeJobs{counts: map[queue.State]int64{queue.StateWaiting: 2}}
	s := New(":0", health, jobs, nil, zerolog.Nop())

	rec := serve(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "HEALTHY", body["verdict"])
	assert.Equal(t, map[string]any{string(queue.StateWaiting): float64(2)}, body["jobs"])
}

func TestHealthzDownIsUnavailable(t *testing.T) {
	health := &fakeHealth{status: repository.HealthStatus{Verdict: repository.VerdictDown}}
	s := New(":0", health, fakeJobs{err: errors.New("redis down")}, nil, zerolog.Nop())

	rec := serve(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "jobs")
}

func TestHealthMetricsWindow(t *testing.T) {
	health := &fakeHealth{}
	s := New(":0", health, nil, nil, zerolog.Nop())

	rec := serve(t, s, "/health/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultWindowMinutes, health.lastMinutes)

	rec = serve(t, s, "/health/metrics?minutes=15")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15, health.lastMinutes)

	var body repository.HealthMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 15, body.TimeRangeMinutes)

	for _, bad := range []string{"0", "-5", "soon"} {
		rec = serve(t, s, "/health/metrics?minutes="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestMetricsExposesRegistry(t *testing.T) {
	m := metrics.New()
	m.IncRebalance("CCTP", "COMPLETED")
	s := New(":0", &fakeHealth{}, nil, m, zerolog.Nop())

	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `strategy="CCTP"`)
}

func TestVersion(t *testing.T) {
	s := New(":0", &fakeHealth{}, nil, nil, zerolog.Nop())
	rec := serve(t, s, "/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var info version.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", &fakeHealth{}, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}

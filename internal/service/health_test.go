package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/alerting"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/repository"
	"liquidity-rebalancer/internal/storage/memory"
)

type scriptedHealth struct {
	verdicts []repository.Verdict
	calls    int
}

func (s *scriptedHealth) CheckRebalancingHealth(context.Context) repository.HealthStatus {
	v := s.verdicts[s.calls]
	if s.calls < len(s.verdicts)-1 {
		s.calls++
	}
	return repository.HealthStatus{Verdict: v, IsHealthy: v != repository.VerdictDown, HealthReason: "scripted"}
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func TestCheckAlertsOnTransitionToDown(t *testing.T) {
	health := &scriptedHealth{verdicts: []repository.Verdict{
		repository.VerdictHealthy,
		repository.VerdictDown,
		repository.VerdictDown,
		repository.VerdictFunctional,
		repository.VerdictDown,
	}}
	notifier := &recordingNotifier{}
	m := metrics.New()
	mon := NewHealthMonitor(Options{Interval: time.Minute}, health, nil, notifier, m, zerolog.Nop())

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, mon.Check(ctx, now))
	assert.Zero(t, notifier.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("HEALTHY")))

	require.NoError(t, mon.Check(ctx, now))
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, alerting.KindHealthDown, notifier.notes[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("DOWN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("HEALTHY")))

	require.NoError(t, mon.Check(ctx, now))
	assert.Equal(t, 1, notifier.count(), "a persisting DOWN verdict alerts once")

	require.NoError(t, mon.Check(ctx, now))
	assert.Equal(t, repository.VerdictFunctional, mon.Last())

	require.NoError(t, mon.Check(ctx, now))
	assert.Equal(t, 2, notifier.count())
}

func TestCheckSkippedWhileLocked(t *testing.T) {
	store := memory.New()
	unlock, ok, err := store.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	health := &scriptedHealth{verdicts: []repository.Verdict{repository.VerdictDown}}
	notifier := &recordingNotifier{}
	mon := NewHealthMonitor(Options{Interval: time.Minute, LockKey: 42}, health, store, notifier, nil, zerolog.Nop())

	require.NoError(t, mon.Check(context.Background(), time.Now()))
	assert.Zero(t, notifier.count())
	assert.Empty(t, mon.Last())
}

func TestRunStopsOnStop(t *testing.T) {
	health := &scriptedHealth{verdicts: []repository.Verdict{repository.VerdictIdle}}
	mon := NewHealthMonitor(Options{Interval: time.Hour}, health, nil, nil, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- mon.Run(context.Background()) }()

	require.Eventually(t, func() bool { return mon.Last() == repository.VerdictIdle }, time.Second, 5*time.Millisecond)
	mon.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

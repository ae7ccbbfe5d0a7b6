// Package service runs the periodic rebalancing health check.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liquidity-rebalancer/internal/alerting"
	"liquidity-rebalancer/internal/metrics"
	"liquidity-rebalancer/internal/repository"
	"liquidity-rebalancer/internal/scheduler"
	"liquidity-rebalancer/internal/storage"
)

// HealthChecker derives the last-hour verdict.
type HealthChecker interface {
	CheckRebalancingHealth(ctx context.Context) repository.HealthStatus
}

// Options tune the monitor.
type Options struct {
	Interval time.Duration
	// LockKey restricts alerting to one instance. Zero disables locking.
	LockKey int64
}

// HealthMonitor publishes the health verdict as a gauge and alerts when rebalancing goes DOWN.
type HealthMonitor struct {
	scheduler *scheduler.Scheduler
	health    HealthChecker
	locker    storage.AdvisoryLocker
	lockKey   int64
	metrics   *metrics.Metrics
	alert     func(context.Context, alerting.Notification)
	logger    zerolog.Logger

	mu   sync.Mutex
	last repository.Verdict
}

// NewHealthMonitor builds the monitor. locker, notifier and m may be nil.
func NewHealthMonitor(opts Options, health HealthChecker, locker storage.AdvisoryLocker, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *HealthMonitor {
	logger = logger.With().Str("component", "health_monitor").Logger()
	return &HealthMonitor{
		scheduler: scheduler.New(scheduler.Options{Interval: opts.Interval, Immediate: true}, logger),
		health:    health,
		locker:    locker,
		lockKey:   opts.LockKey,
		metrics:   m,
		alert:     alerting.Safe(notifier, logger),
		logger:    logger,
	}
}

// Run checks health every interval until ctx is cancelled or Stop is called.
func (h *HealthMonitor) Run(ctx context.Context) error {
	return h.scheduler.Run(ctx, h.Check)
}

// Stop ends the loop after the running check.
func (h *HealthMonitor) Stop() { h.scheduler.Stop() }

// Check runs one health evaluation.
func (h *HealthMonitor) Check(ctx context.Context, at time.Time) error {
	unlock, proceed, err := h.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		h.logger.Debug().Time("at", at).Msg("skip health check because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	status := h.health.CheckRebalancingHealth(ctx)
	h.metrics.SetHealth(string(status.Verdict), verdictNames())

	h.mu.Lock()
	previous := h.last
	h.last = status.Verdict
	h.mu.Unlock()

	log := h.logger.With().
		Str("verdict", string(status.Verdict)).
		Int64("successes", status.SuccessCount).
		Int64("rejections", status.RejectionCount).
		Logger()

	switch {
	case status.Verdict == repository.VerdictDown && previous != repository.VerdictDown:
		log.Error().Str("reason", status.HealthReason).Msg("rebalancing health is DOWN")
		h.alert(ctx, alerting.Notification{
			Kind:    alerting.KindHealthDown,
			Time:    at,
			Title:   "Rebalancing health is DOWN",
			Details: fmt.Sprintf("%s (successes=%d, rejections=%d)", status.HealthReason, status.SuccessCount, status.RejectionCount),
		})
	case previous == repository.VerdictDown && status.Verdict != repository.VerdictDown:
		log.Info().Msg("rebalancing health recovered")
	default:
		log.Debug().Str("reason", status.HealthReason).Msg("health checked")
	}
	return nil
}

// Last is the most recent verdict, empty before the first check.
func (h *HealthMonitor) Last() repository.Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *HealthMonitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if h.lockKey == 0 || h.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := h.locker.TryAdvisoryLock(ctx, h.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func verdictNames() []string {
	out := make([]string, len(repository.Verdicts))
	for i, v := range repository.Verdicts {
		out[i] = string(v)
	}
	return out
}

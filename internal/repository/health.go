package repository

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Verdict is the four-way classification of recent rebalancing activity.
type Verdict string

const (
	VerdictHealthy    Verdict = "HEALTHY"
	VerdictDown       Verdict = "DOWN"
	VerdictFunctional Verdict = "FUNCTIONAL"
	VerdictIdle       Verdict = "IDLE"
	VerdictUnknown    Verdict = "UNKNOWN"
)

// Verdicts lists every verdict, for gauges that flag the current one.
var Verdicts = []Verdict{VerdictHealthy, VerdictDown, VerdictFunctional, VerdictIdle, VerdictUnknown}

// HealthStatus is the last-hour verdict.
type HealthStatus struct {
	IsHealthy             bool    `json:"isHealthy"`
	Verdict               Verdict `json:"verdict"`
	SuccessCount          int64   `json:"successCount"`
	RejectionCount        int64   `json:"rejectionCount"`
	LastHourHasRejections bool    `json:"lastHourHasRejections"`
	LastHourHasSuccesses  bool    `json:"lastHourHasSuccesses"`
	HealthReason          string  `json:"healthReason"`
}

// HealthMetrics is the verdict over an arbitrary window.
type HealthMetrics struct {
	TimeRangeMinutes int     `json:"timeRangeMinutes"`
	SuccessCount     int64   `json:"successCount"`
	RejectionCount   int64   `json:"rejectionCount"`
	SuccessRate      float64 `json:"successRate"`
	IsHealthy        bool    `json:"isHealthy"`
	Verdict          Verdict `json:"verdict"`
	HealthReason     string  `json:"healthReason"`
}

type successCounter interface {
	CountSuccesses(ctx context.Context, minutes int) (int64, error)
}

type rejectionCounter interface {
	CountRejections(ctx context.Context, minutes int) (int64, error)
}

// HealthRepository derives health from successes and rejections. It never returns an error:
// a failed query produces an unhealthy verdict.
type HealthRepository struct {
	rebalances successCounter
	rejections rejectionCounter
	logger     zerolog.Logger
}

// NewHealthRepository combines the two repositories.
func NewHealthRepository(rebalances *RebalanceRepository, rejections *RejectionRepository, logger zerolog.Logger) *HealthRepository {
	return &HealthRepository{
		rebalances: rebalances,
		rejections: rejections,
		logger:     logger.With().Str("component", "health_repository").Logger(),
	}
}

// CheckRebalancingHealth classifies the last hour.
func (h *HealthRepository) CheckRebalancingHealth(ctx context.Context) HealthStatus {
	h.logger.Debug().Msg("checking rebalancing health")

	successes, rejections, err := h.counts(ctx, 60)
	if err != nil {
		h.logger.Error().Err(err).Str("status", "unhealthy").Msg("failed to check rebalancing health")
		return HealthStatus{
			Verdict:      VerdictUnknown,
			HealthReason: fmt.Sprintf("Health check failed: %s", err.Error()),
		}
	}

	hasRejections, hasSuccesses := rejections > 0, successes > 0
	verdict := classify(hasRejections, hasSuccesses)
	status := HealthStatus{
		IsHealthy:             verdict != VerdictDown,
		Verdict:               verdict,
		SuccessCount:          successes,
		RejectionCount:        rejections,
		LastHourHasRejections: hasRejections,
		LastHourHasSuccesses:  hasSuccesses,
		HealthReason:          hourlyReason(verdict, successes, rejections),
	}

	h.logger.Info().
		Bool("healthy", status.IsHealthy).
		Str("verdict", string(verdict)).
		Int64("successes", successes).
		Int64("rejections", rejections).
		Msg(status.HealthReason)
	return status
}

// IsSystemHealthy is CheckRebalancingHealth reduced to a boolean.
func (h *HealthRepository) IsSystemHealthy(ctx context.Context) bool {
	return h.CheckRebalancingHealth(ctx).IsHealthy
}

// GetHealthMetrics classifies the last minutes and adds a success rate.
func (h *HealthRepository) GetHealthMetrics(ctx context.Context, minutes int) HealthMetrics {
	if minutes <= 0 {
		minutes = 60
	}
	successes, rejections, err := h.counts(ctx, minutes)
	if err != nil {
		h.logger.Error().Err(err).Int("minutes", minutes).Msg("failed to get health metrics")
		return HealthMetrics{
			TimeRangeMinutes: minutes,
			Verdict:          VerdictUnknown,
			HealthReason:     fmt.Sprintf("Health metrics calculation failed: %s", err.Error()),
		}
	}

	rate := SuccessRate(successes, rejections)
	verdict := classify(rejections > 0, successes > 0)
	metrics := HealthMetrics{
		TimeRangeMinutes: minutes,
		SuccessCount:     successes,
		RejectionCount:   rejections,
		SuccessRate:      rate,
		IsHealthy:        verdict != VerdictDown,
		Verdict:          verdict,
		HealthReason:     windowReason(verdict, successes, rejections, rate, minutes),
	}
	h.logger.Debug().
		Int("minutes", minutes).
		Str("verdict", string(verdict)).
		Float64("success_rate", rate).
		Msg("health metrics calculated")
	return metrics
}

func (h *HealthRepository) counts(ctx context.Context, minutes int) (int64, int64, error) {
	var successes, rejections int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := h.rebalances.CountSuccesses(gctx, minutes)
		if err != nil {
			return fmt.Errorf("count successes: %w", err)
		}
		successes = n
		return nil
	})
	g.Go(func() error {
		n, err := h.rejections.CountRejections(gctx, minutes)
		if err != nil {
			return fmt.Errorf("count rejections: %w", err)
		}
		rejections = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return successes, rejections, nil
}

// SuccessRate is successes/(successes+rejections)*100, or 0 without activity.
func SuccessRate(successes, rejections int64) float64 {
	total := successes + rejections
	if total == 0 {
		return 0
	}
	return float64(successes) / float64(total) * 100
}

func classify(hasRejections, hasSuccesses bool) Verdict {
	switch {
	case hasRejections && !hasSuccesses:
		return VerdictDown
	case hasRejections && hasSuccesses:
		return VerdictFunctional
	case hasSuccesses:
		return VerdictHealthy
	default:
		return VerdictIdle
	}
}

func hourlyReason(v Verdict, successes, rejections int64) string {
	switch v {
	case VerdictDown:
		return fmt.Sprintf("System DOWN: %d rejections in last hour with no successful rebalances", rejections)
	case VerdictIdle:
		return "System IDLE: No rebalancing activity in last hour"
	case VerdictHealthy:
		return fmt.Sprintf("System HEALTHY: %d successful rebalances with no rejections in last hour", successes)
	default:
		return fmt.Sprintf("System FUNCTIONAL: %d successes and %d rejections in last hour", successes, rejections)
	}
}

func windowReason(v Verdict, successes, rejections int64, rate float64, minutes int) string {
	switch v {
	case VerdictIdle:
		return fmt.Sprintf("System IDLE: No rebalancing activity in last %d minutes", minutes)
	case VerdictHealthy:
		return fmt.Sprintf("System HEALTHY: %d successful rebalances (100%% success rate) in last %d minutes", successes, minutes)
	case VerdictDown:
		return fmt.Sprintf("System DOWN: %d rejections (0%% success rate) in last %d minutes", rejections, minutes)
	default:
		return fmt.Sprintf("System FUNCTIONAL: %d successes, %d rejections (%.1f%% success rate) in last %d minutes", successes, rejections, rate, minutes)
	}
}

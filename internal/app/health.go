package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"

	"liquidity-rebalancer/internal/repository"
)

// Health prints the last-hour verdict and the metrics for the requested window.
func (a *App) Health(ctx context.Context, opts HealthOptions) error {
	persistence, closeStore, err := a.openPersistence(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rebalances := repository.NewRebalanceRepository(persistence.Rebalances, a.Logger)
	rejections := repository.NewRejectionRepository(persistence.Rejections, a.Logger)
	health := repository.NewHealthRepository(rebalances, rejections, a.Logger)

	renderHealth(os.Stdout, health.CheckRebalancingHealth(ctx), health.GetHealthMetrics(ctx, opts.Minutes))
	return nil
}

func renderHealth(w io.Writer, status repository.HealthStatus, m repository.HealthMetrics) {
	table := tablewriter.NewWriter(w)
	table.Header("Window", "Verdict", "Healthy", "Successes", "Rejections", "Success Rate", "Reason")
	table.Append(
		"last hour",
		string(status.Verdict),
		fmt.Sprintf("%t", status.IsHealthy),
		fmt.Sprintf("%d", status.SuccessCount),
		fmt.Sprintf("%d", status.RejectionCount),
		fmt.Sprintf("%.1f%%", repository.SuccessRate(status.SuccessCount, status.RejectionCount)),
		status.HealthReason,
	)
	table.Append(
		fmt.Sprintf("%d min", m.TimeRangeMinutes),
		string(m.Verdict),
		fmt.Sprintf("%t", m.IsHealthy),
		fmt.Sprintf("%d", m.SuccessCount),
		fmt.Sprintf("%d", m.RejectionCount),
		fmt.Sprintf("%.1f%%", m.SuccessRate),
		m.HealthReason,
	)
	table.Render()
}

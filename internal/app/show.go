package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"liquidity-rebalancer/internal/decimals"
	"liquidity-rebalancer/internal/storage"
)

// Show prints the most recent rebalances that pass the filter.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	persistence, closeStore, err := a.openPersistence(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var records []storage.RebalanceRecord
	if opts.Filter.GroupID != "" {
		records, err = persistence.Rebalances.ListRebalancesByGroup(ctx, opts.Filter.GroupID)
	} else {
		records, err = persistence.Rebalances.ListRecentRebalances(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	records = opts.Filter.apply(records)
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no rebalances found")
		return nil
	}
	renderRebalances(os.Stdout, records)
	return nil
}

func renderRebalances(w io.Writer, records []storage.RebalanceRecord) {
	table := tablewriter.NewWriter(w)
	table.Header("Time (UTC)", "Group", "Strategy", "Status", "From", "To", "Amount In", "Amount Out", "Slippage")
	for _, r := range records {
		table.Append(
			r.CreatedAt.UTC().Format(time.RFC3339),
			shortID(r.GroupID),
			string(r.Strategy),
			string(r.Status),
			fmt.Sprintf("%d:%s", r.TokenIn.ChainID, shortHex(r.TokenIn.Address.Hex())),
			fmt.Sprintf("%d:%s", r.TokenOut.ChainID, shortHex(r.TokenOut.Address.Hex())),
			decimals.ToDecimal(r.AmountIn).StringFixed(2),
			decimals.ToDecimal(r.AmountOut).StringFixed(2),
			fmt.Sprintf("%.4f%%", r.Slippage*100),
		)
	}
	table.Render()
}

func shortHex(h string) string {
	if len(h) <= 10 {
		return h
	}
	return h[:6] + "..." + h[len(h)-4:]
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

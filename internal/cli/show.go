package cli

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/app"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/storage"
)

// historyFlags select rebalance records for show and export.
type historyFlags struct {
	wallet   string
	strategy string
	status   string
}

func (f *historyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.wallet, "wallet", "", "Only records of this wallet address")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "Only records executed by this strategy (LiFi, CCTP, WarpRoute, CCTPLiFi, USDT0)")
	cmd.Flags().StringVar(&f.status, "status", "", "Only records in this status (pending, completed, failed)")
}

func (f *historyFlags) filter() (app.RecordFilter, error) {
	var out app.RecordFilter
	if f.wallet != "" {
		if !common.IsHexAddress(f.wallet) {
			return out, fmt.Errorf("invalid --wallet %q", f.wallet)
		}
		out.Wallet = common.HexToAddress(f.wallet)
	}
	if f.strategy != "" {
		out.Strategy = liquidity.Strategy(f.strategy)
		if !out.Strategy.Known() {
			return out, fmt.Errorf("unknown --strategy %q", f.strategy)
		}
	}
	if f.status != "" {
		out.Status = storage.RebalanceStatus(strings.ToUpper(f.status))
		switch out.Status {
		case storage.StatusPending, storage.StatusCompleted, storage.StatusFailed:
		default:
			return out, fmt.Errorf("unknown --status %q", f.status)
		}
	}
	return out, nil
}

var (
	showLimit   int
	showGroup   string
	showHistory historyFlags
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List recent rebalances with their route and settlement status",
	Long: `List the most recent rebalance records as a table.

Pending rows are bridge transfers still waiting for an attestation, a mint or a
destination delivery. Use --group to print every leg of one tick.`,
	Example: `  rebalancer show --status pending
  rebalancer show --group 4f1c2a9e-... --strategy CCTP`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		filter, err := showHistory.filter()
		if err != nil {
			return err
		}
		filter.GroupID = showGroup
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, Filter: filter})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of latest rebalances to read before filtering")
	showCmd.Flags().StringVar(&showGroup, "group", "", "Show every leg of one rebalance group")
	showHistory.register(showCmd)
}

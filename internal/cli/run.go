package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/app"
)

var (
	runWorkerOnly bool
	runWallets    []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rebalance loops, the bridge job worker and the monitoring API",
	Long: `Start the rebalancing service.

Each selected wallet gets its own rebalance loop. The job worker executes queued
routes and follows bridge transfers until they settle. Several processes may share
one Redis queue; run extra ones with --worker-only to add execution capacity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RunOptions{WorkerOnly: runWorkerOnly}
		if runWorkerOnly && len(runWallets) > 0 {
			return fmt.Errorf("--worker-only runs no rebalance loop; drop --wallet")
		}
		for _, w := range runWallets {
			if !common.IsHexAddress(w) {
				return fmt.Errorf("invalid --wallet %q", w)
			}
			opts.Wallets = append(opts.Wallets, common.HexToAddress(w))
		}
		return getApp().Run(cmd.Context(), opts)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWorkerOnly, "worker-only", false, "Only process queued jobs")
	runCmd.Flags().StringSliceVar(&runWallets, "wallet", nil, "Run the rebalance loop for these wallets only (repeatable)")
}

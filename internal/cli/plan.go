package cli

import (
	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/app"
)

var planWallet string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Analyze balances and print the rebalances a tick would select, without executing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Plan(cmd.Context(), app.PlanOptions{Wallet: planWallet})
	},
}

func init() {
	planCmd.Flags().StringVar(&planWallet, "wallet", "", "Plan a single wallet address")
}

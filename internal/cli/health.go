package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/app"
)

var healthMinutes int

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the rebalancing health verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		if healthMinutes <= 0 {
			return fmt.Errorf("--minutes must be greater than zero")
		}
		return getApp().Health(cmd.Context(), app.HealthOptions{Minutes: healthMinutes})
	},
}

func init() {
	healthCmd.Flags().IntVar(&healthMinutes, "minutes", 60, "Window for the success rate metrics")
}

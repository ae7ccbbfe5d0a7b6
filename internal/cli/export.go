package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportSince     time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportHistory   historyFlags
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write rebalance history to CSV and a cumulative volume chart per strategy",
	Example: `  rebalancer export --since 24h --csv rebalances.csv
  rebalancer export --from 2025-03-01T00:00:00Z --png volume.png --strategy USDT0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := exportHistory.filter()
		if err != nil {
			return err
		}
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Filter:    filter,
		}

		if exportSince > 0 && exportFrom != "" {
			return fmt.Errorf("--since and --from are mutually exclusive")
		}
		if exportSince > 0 {
			from := time.Now().UTC().Add(-exportSince)
			opts.From = &from
		}
		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}
		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Earliest rebalance creation time (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Latest rebalance creation time (RFC3339, exclusive)")
	exportCmd.Flags().DurationVar(&exportSince, "since", 0, "Export the trailing window, e.g. 24h")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write the cumulative amount-in chart to this path")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write one row per rebalance leg to this path")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Cap on exported rows, downsampled evenly (defaults to export.max_data_points)")
	exportHistory.register(exportCmd)
}

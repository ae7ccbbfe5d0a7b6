package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rebalancer build and Go toolchain versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if !versionJSON {
			fmt.Fprint(cmd.OutOrStdout(), info.String())
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print the same document the API serves at /version")
}

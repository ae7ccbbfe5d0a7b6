package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"liquidity-rebalancer/internal/app"
	"liquidity-rebalancer/internal/config"
	"liquidity-rebalancer/internal/logging"
	"liquidity-rebalancer/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "rebalancer",
	Short:         "Keep wallet token balances within their target bands across chains",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}

		logger, err := logging.New(cfg.Logging, logging.Service{
			Name:        cfg.App.Name,
			Environment: cfg.App.Environment,
			Version:     version.Version,
		})
		if err != nil {
			return err
		}
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override logging.format (json, console)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

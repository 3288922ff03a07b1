package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: "reportd - scheduled report generation daemon",
	Long: `reportd generates versioned reports from templates on a cadence,
checks them for compliance, renders artifacts and delivers them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "./config.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newNextCommand())
	rootCmd.AddCommand(newVersionsCommand())
	rootCmd.AddCommand(newComplianceCommand())
	rootCmd.AddCommand(newPruneAuditCommand())

	// Bare "reportd" runs the daemon.
	rootCmd.RunE = newRunCommand().RunE
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

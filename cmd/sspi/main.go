// Package main provides the sspi CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sspi",
		Short: "Custom scoring for the Sustainable and Shared-Prosperity Policy Index",
		Long: `sspi validates custom SSPI configurations, computes their hash, scores
them against the clean dataset store, and reads or clears cached results.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: search for .sspi/config.yaml)")

	rootCmd.AddCommand(
		newValidateCmd(),
		newHashCmd(),
		newDiffCmd(),
		newScoreCmd(),
		newLinesCmd(),
		newClearCacheCmd(),
		newMigrateCmd(),
		newServeCmd(),
	)

	return rootCmd
}

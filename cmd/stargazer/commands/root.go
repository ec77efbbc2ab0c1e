// Package commands implements the stargazer CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "stargazer",
	Short: "Asynchronous AI task manager",
	Long: `Stargazer schedules AI analysis tasks against an OpenAI-compatible API
with priority queueing, rate limiting, cost budgeting and retries.

Submit single tasks, run worklists with a live dashboard, and inspect
execution history.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file path (default ~/.config/stargazer/stargazer.yaml)")
}

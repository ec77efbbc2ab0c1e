package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/stargazer/internal/history"
)

var statusLastFlag int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task history",
	Long: `Display per-type execution statistics and recent tasks from the
history database. Requires history.enabled in the config; tasks executed
without the history sink leave no trace here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = store.Close() }()

		if err := showTypeStats(store); err != nil {
			return err
		}
		return showRecent(store, statusLastFlag)
	},
}

func init() {
	statusCmd.Flags().IntVarP(&statusLastFlag, "last", "n", 5, "Show last N tasks")
	rootCmd.AddCommand(statusCmd)
}

func showTypeStats(store *history.Store) error {
	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	if len(stats) == 0 {
		fmt.Println("No task history found.")
		return nil
	}

	fmt.Println("By task type:")
	fmt.Println()
	for _, ts := range stats {
		fmt.Printf("  %s\n", ts.Type)
		fmt.Printf("    Runs:    %d total (%d ok, %d failed, %d cancelled)\n",
			ts.Total, ts.Succeeded, ts.Failed, ts.Cancelled)
		fmt.Printf("    Success: %.0f%%\n", ts.SuccessRate*100)
		fmt.Printf("    Tokens:  %s\n", formatTokens(ts.TotalTokens))
		fmt.Printf("    Cost:    $%.4f\n", ts.TotalCost)
		if ts.AvgExecutionM > 0 {
			fmt.Printf("    Avg:     %.0fms\n", ts.AvgExecutionM)
		}
		fmt.Println()
	}
	return nil
}

func showRecent(store *history.Store, n int) error {
	entries, err := store.Recent(n)
	if err != nil {
		return fmt.Errorf("read recent: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Printf("Last %d tasks:\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("[%s] %-9s %s %s\n",
			e.CompletedAt.Format("2006-01-02 15:04"), e.Status, e.Type, e.ID)
		if e.Error != "" {
			fmt.Printf("  Error: %s\n", e.Error)
		}
		if e.TokensUsed > 0 {
			fmt.Printf("  Tokens: %s  Cost: $%.4f\n", formatTokens(int64(e.TokensUsed)), e.ActualCost)
		}
	}
	return nil
}

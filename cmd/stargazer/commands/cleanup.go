package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/stargazer/internal/config"
	"github.com/marcus/stargazer/internal/history"
)

var cleanupOlderThanFlag string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old task history",
	Long: `Delete history entries whose completion time is older than the
retention window (maintenance.task_retention unless --older-than is given).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		retention := config.Duration(cfg.Maintenance.TaskRetention, 24*time.Hour)
		if cleanupOlderThanFlag != "" {
			d, err := time.ParseDuration(cleanupOlderThanFlag)
			if err != nil {
				return fmt.Errorf("parse --older-than: %w", err)
			}
			retention = d
		}

		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = store.Close() }()

		removed, err := store.Prune(retention)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Printf("removed %d entries older than %s\n", removed, retention)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupOlderThanFlag, "older-than", "", "Retention override (e.g. 48h)")
	rootCmd.AddCommand(cleanupCmd)
}

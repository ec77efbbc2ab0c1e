package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/stargazer/internal/config"
	"github.com/marcus/stargazer/internal/history"
	"github.com/marcus/stargazer/internal/logging"
	"github.com/marcus/stargazer/internal/manager"
	"github.com/marcus/stargazer/internal/scheduler"
	"github.com/marcus/stargazer/internal/tasks"
	"github.com/marcus/stargazer/internal/ui"
)

var (
	runWatchFlag    bool
	runPriorityFlag string
)

var runCmd = &cobra.Command{
	Use:   "run <worklist.json>",
	Short: "Run a worklist of tasks",
	Long: `Run every task in a JSON worklist through the manager and wait for
completion. With --watch, a live dashboard shows queue depth, rate and
budget headroom while tasks execute.

The worklist is a JSON array of items:

  [{"type": "repository_analysis",
    "priority": "high",
    "payload": {"repo_info": {"name": "owner/repo"}, "readme_content": "..."}}]

Per-item "priority" overrides the --priority default. Optional item fields:
"max_retries", "timeout", "estimated_tokens".`,
	Args: cobra.ExactArgs(1),
	RunE: runWorklist,
}

func init() {
	runCmd.Flags().BoolVarP(&runWatchFlag, "watch", "w", false, "Show a live dashboard while running")
	runCmd.Flags().StringVarP(&runPriorityFlag, "priority", "p", "medium", "Default task priority (low, medium, high, urgent)")
	rootCmd.AddCommand(runCmd)
}

// worklistItem is one entry of a run worklist file.
type worklistItem struct {
	Type            string          `json:"type"`
	Priority        string          `json:"priority,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	MaxRetries      int             `json:"max_retries,omitempty"`
	Timeout         string          `json:"timeout,omitempty"`
	EstimatedTokens int             `json:"estimated_tokens,omitempty"`
}

func readWorklist(path string) ([]worklistItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worklist: %w", err)
	}
	var items []worklistItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse worklist: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("worklist is empty")
	}
	return items, nil
}

func runWorklist(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("run")

	defaultPriority, err := tasks.ParsePriority(runPriorityFlag)
	if err != nil {
		return err
	}

	items, err := readWorklist(args[0])
	if err != nil {
		return err
	}

	mgr, err := buildManager(cfg)
	if err != nil {
		return err
	}

	// Optional sqlite sink for terminal tasks.
	var record func(*tasks.Task)
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = store.Close() }()
		record = store.TaskRecorder()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	defer mgr.Stop()

	if err := startMaintenance(ctx, cfg, mgr, log); err != nil {
		return err
	}

	// Live-reload tunable limits while the worklist runs.
	stopWatch, err := config.Watch(configFlag, func(c *config.Config) {
		mgr.AdjustSettings(settingsUpdate(c))
	})
	if err != nil {
		log.Warnf("config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	retryBase := config.Duration(cfg.Retry.DelayBase, 0)
	ids := make([]string, 0, len(items))
	for i, item := range items {
		id, err := submitItem(mgr, item, defaultPriority, retryBase, record)
		if err != nil {
			fmt.Fprintf(os.Stderr, "item %d rejected: %v\n", i, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no tasks admitted")
	}
	fmt.Printf("submitted %d/%d tasks\n", len(ids), len(items))

	if runWatchFlag {
		// The dashboard owns the terminal until the user quits.
		if err := ui.New(mgr.GetStatistics).Run(); err != nil {
			log.Warnf("dashboard: %v", err)
		}
		cancel()
	}

	return awaitWorklist(ctx, mgr, ids)
}

func submitItem(mgr *manager.Manager, item worklistItem, fallback tasks.Priority, retryBase time.Duration, record func(*tasks.Task)) (string, error) {
	priority := fallback
	if item.Priority != "" {
		var err error
		priority, err = tasks.ParsePriority(item.Priority)
		if err != nil {
			return "", err
		}
	}

	payload, err := tasks.DecodePayload(tasks.Type(item.Type), item.Payload)
	if err != nil {
		return "", err
	}

	taskCfg := tasks.Config{
		MaxRetries:      item.MaxRetries,
		RetryDelayBase:  retryBase,
		Timeout:         config.Duration(item.Timeout, 0),
		EstimatedTokens: item.EstimatedTokens,
		OnComplete:      record,
		OnError:         record,
	}
	return mgr.Submit(tasks.Type(item.Type), payload, priority, taskCfg, nil)
}

// startMaintenance schedules periodic cleanup of old terminal tasks.
func startMaintenance(ctx context.Context, cfg *config.Config, mgr *manager.Manager, log *logging.Logger) error {
	if cfg.Maintenance.CleanupCron == "" {
		return nil
	}

	sched, err := scheduler.NewCron(cfg.Maintenance.CleanupCron)
	if err != nil {
		return fmt.Errorf("maintenance cron: %w", err)
	}

	retention := config.Duration(cfg.Maintenance.TaskRetention, 24*time.Hour)
	sched.AddJob(func(context.Context) error {
		mgr.CleanupOldTasks(retention)
		return nil
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	log.InfoCtx("maintenance scheduled", map[string]any{
		"cron":     cfg.Maintenance.CleanupCron,
		"next_run": sched.NextRun().Format(time.RFC3339),
	})
	return nil
}

func awaitWorklist(ctx context.Context, mgr *manager.Manager, ids []string) error {
	var failed int
	for _, id := range ids {
		snap, err := mgr.WaitForTask(ctx, id, 0)
		if err != nil {
			return fmt.Errorf("interrupted: %w", err)
		}
		printTaskOutcome(snap)
		if snap.Status != tasks.StatusCompleted {
			failed++
		}
	}

	stats := mgr.GetStatistics()
	remaining := mgr.BudgetRemaining()
	fmt.Printf("\n%d/%d succeeded, success rate %.0f%%\n",
		len(ids)-failed, len(ids), stats.Performance.SuccessRate*100)
	fmt.Printf("budget remaining: $%.2f hourly, $%.2f daily, $%.2f total\n",
		remaining.Hourly, remaining.Daily, remaining.Total)

	if failed > 0 {
		return fmt.Errorf("%d task(s) did not complete", failed)
	}
	return nil
}

func printTaskOutcome(snap tasks.Snapshot) {
	switch snap.Status {
	case tasks.StatusCompleted:
		fmt.Printf("[DONE]      %s %s  tokens=%s cost=$%.4f\n",
			snap.ID, snap.Type, formatTokens(int64(snap.Metrics.TokensUsed)), snap.Metrics.ActualCost)
	case tasks.StatusFailed:
		fmt.Printf("[FAILED]    %s %s  retries=%d: %s\n",
			snap.ID, snap.Type, snap.Metrics.RetryCount, snap.Err)
	case tasks.StatusCancelled:
		fmt.Printf("[CANCELLED] %s %s\n", snap.ID, snap.Type)
	default:
		fmt.Printf("[%s] %s %s\n", snap.Status, snap.ID, snap.Type)
	}
}

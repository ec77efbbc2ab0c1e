package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/stargazer/internal/config"
	"github.com/marcus/stargazer/internal/history"
	"github.com/marcus/stargazer/internal/tasks"
)

var (
	submitTypeFlag     string
	submitPriorityFlag string
	submitRetriesFlag  int
	submitTimeoutFlag  string
)

var submitCmd = &cobra.Command{
	Use:   "submit <payload.json>",
	Short: "Submit a single task and wait for its result",
	Long: `Submit one task, block until it resolves, and print the result as JSON.

The payload file holds the type-specific payload, e.g. for
--type text_classification:

  {"text": "...", "categories": ["bug", "feature", "question"]}`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitTypeFlag, "type", "t", "", "Task type (required)")
	submitCmd.Flags().StringVarP(&submitPriorityFlag, "priority", "p", "medium", "Task priority (low, medium, high, urgent)")
	submitCmd.Flags().IntVar(&submitRetriesFlag, "max-retries", 3, "Retries after the first failure")
	submitCmd.Flags().StringVar(&submitTimeoutFlag, "timeout", "", "Per-execution timeout (e.g. 60s)")
	_ = submitCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	priority, err := tasks.ParsePriority(submitPriorityFlag)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	payload, err := tasks.DecodePayload(tasks.Type(submitTypeFlag), data)
	if err != nil {
		return err
	}

	mgr, err := buildManager(cfg)
	if err != nil {
		return err
	}

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
		<-sigCh
		cancel()
	}()

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	defer mgr.Stop()

	taskCfg := tasks.Config{
		MaxRetries:     submitRetriesFlag,
		RetryDelayBase: config.Duration(cfg.Retry.DelayBase, 0),
		Timeout:        config.Duration(submitTimeoutFlag, 0),
		OnComplete:     record,
		OnError:        record,
	}
	id, err := mgr.Submit(tasks.Type(submitTypeFlag), payload, priority, taskCfg, nil)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	snap, err := mgr.WaitForTask(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}

	if snap.Status != tasks.StatusCompleted {
		printTaskOutcome(snap)
		return fmt.Errorf("task %s", snap.Status)
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

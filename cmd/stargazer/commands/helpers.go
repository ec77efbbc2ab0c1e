package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/marcus/stargazer/internal/aiclient"
	"github.com/marcus/stargazer/internal/budget"
	"github.com/marcus/stargazer/internal/config"
	"github.com/marcus/stargazer/internal/executor"
	"github.com/marcus/stargazer/internal/logging"
	"github.com/marcus/stargazer/internal/manager"
	"github.com/marcus/stargazer/internal/ratelimit"
)

// loadConfig loads the config file named by --config or the global path.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// initLogging sets up the global logger from config.
func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

// apiKey resolves the API key from config or environment.
func apiKey(cfg *config.Config) (string, error) {
	if cfg.API.Key != "" {
		return cfg.API.Key, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no API key (set api.key, STARGAZER_API_KEY or OPENAI_API_KEY)")
}

// managerSettings maps config onto manager settings.
func managerSettings(cfg *config.Config) manager.Settings {
	return manager.Settings{
		MaxConcurrent: cfg.Manager.MaxConcurrent,
		QueueCapacity: cfg.Manager.QueueCapacity,
		RateLimits: ratelimit.Limits{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
			TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
		},
		Budgets: budget.Limits{
			Total:  cfg.Budget.Total,
			Daily:  cfg.Budget.Daily,
			Hourly: cfg.Budget.Hourly,
		},
		RetryDelayCap: config.Duration(cfg.Retry.DelayCap, manager.DefaultRetryDelayCap),
	}
}

// settingsUpdate maps a reloaded config onto a live settings update.
func settingsUpdate(cfg *config.Config) manager.SettingsUpdate {
	return manager.SettingsUpdate{
		MaxConcurrent:     &cfg.Manager.MaxConcurrent,
		RequestsPerMinute: &cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   &cfg.RateLimit.RequestsPerHour,
		TokensPerMinute:   &cfg.RateLimit.TokensPerMinute,
		TotalBudget:       &cfg.Budget.Total,
		DailyBudget:       &cfg.Budget.Daily,
		HourlyBudget:      &cfg.Budget.Hourly,
	}
}

// buildManager wires the client, executor and manager from config.
func buildManager(cfg *config.Config) (*manager.Manager, error) {
	key, err := apiKey(cfg)
	if err != nil {
		return nil, err
	}

	client, err := aiclient.New(aiclient.Config{
		APIKey:   key,
		BaseURL:  cfg.API.BaseURL,
		Timeout:  config.Duration(cfg.API.Timeout, 30*time.Second),
		CacheTTL: config.Duration(cfg.API.CacheTTL, time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}

	return manager.New(managerSettings(cfg), executor.New(client)), nil
}

func formatTokens(tokens int64) string {
	if tokens >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(tokens)/1000000)
	}
	if tokens >= 1000 {
		return fmt.Sprintf("%.1fK", float64(tokens)/1000)
	}
	return fmt.Sprintf("%d", tokens)
}

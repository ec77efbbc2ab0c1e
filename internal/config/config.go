// Package config handles loading and validating stargazer configuration.
// Supports YAML config files, environment variable overrides, and live
// reload of tunable limits via a file watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/marcus/stargazer/internal/logging"
)

// Validation errors.
var (
	ErrInvalidConcurrency   = errors.New("manager.max_concurrent must not be negative")
	ErrInvalidQueueCapacity = errors.New("manager.queue_capacity must not be negative")
	ErrInvalidRateLimit     = errors.New("rate limit values must not be negative")
	ErrInvalidBudget        = errors.New("budget values must not be negative")
	ErrInvalidRetryBase     = errors.New("retry.delay_base must be a positive duration")
	ErrInvalidLogLevel      = errors.New("invalid log level (debug, info, warn, error)")
	ErrInvalidLogFormat     = errors.New("invalid log format (json, text)")
)

// ManagerConfig tunes the scheduler core.
type ManagerConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// RateLimitConfig tunes the sliding-window limiter. Zero disables a window.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	RequestsPerHour   int `mapstructure:"requests_per_hour"`
	TokensPerMinute   int `mapstructure:"tokens_per_minute"`
}

// BudgetConfig sets the USD spend ceilings. Zero disables a ledger.
type BudgetConfig struct {
	Total  float64 `mapstructure:"total"`
	Daily  float64 `mapstructure:"daily"`
	Hourly float64 `mapstructure:"hourly"`
}

// RetryConfig tunes backoff between attempts.
type RetryConfig struct {
	DelayBase string `mapstructure:"delay_base"`
	DelayCap  string `mapstructure:"delay_cap"`
}

// APIConfig points at the AI completion API.
type APIConfig struct {
	Key      string `mapstructure:"key"`
	BaseURL  string `mapstructure:"base_url"`
	Timeout  string `mapstructure:"timeout"`
	CacheTTL string `mapstructure:"cache_ttl"`
}

// LoggingConfig mirrors the logging package settings.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// MaintenanceConfig drives the periodic cleanup sweep.
type MaintenanceConfig struct {
	CleanupCron   string `mapstructure:"cleanup_cron"`
	TaskRetention string `mapstructure:"task_retention"`
}

// HistoryConfig enables the sqlite terminal-task sink.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config holds all stargazer configuration.
type Config struct {
	Manager     ManagerConfig     `mapstructure:"manager"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Retry       RetryConfig       `mapstructure:"retry"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	History     HistoryConfig     `mapstructure:"history"`
}

// Default returns the stock configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Manager: ManagerConfig{
			MaxConcurrent: 5,
			QueueCapacity: 10000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			RequestsPerHour:   3600,
			TokensPerMinute:   90000,
		},
		Budget: BudgetConfig{
			Total:  100.0,
			Daily:  10.0,
			Hourly: 1.0,
		},
		Retry: RetryConfig{
			DelayBase: "1s",
			DelayCap:  "60s",
		},
		API: APIConfig{
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "30s",
			CacheTTL: "1h",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Path:          filepath.Join(home, ".local", "share", "stargazer", "logs"),
			Format:        "json",
			RetentionDays: 7,
		},
		Maintenance: MaintenanceConfig{
			CleanupCron:   "@hourly",
			TaskRetention: "24h",
		},
		History: HistoryConfig{
			Path: filepath.Join(home, ".local", "share", "stargazer", "history.db"),
		},
	}
}

// GlobalConfigPath is the default config file location.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "stargazer", "stargazer.yaml")
}

// Load reads configuration from the given file (or the global path when
// empty) and applies STARGAZER_* environment overrides on top of defaults.
// A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path == "" {
		path = GlobalConfigPath()
	}
	v.SetConfigFile(expandPath(path))

	v.SetEnvPrefix("STARGAZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("manager.max_concurrent", d.Manager.MaxConcurrent)
	v.SetDefault("manager.queue_capacity", d.Manager.QueueCapacity)
	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.requests_per_hour", d.RateLimit.RequestsPerHour)
	v.SetDefault("rate_limit.tokens_per_minute", d.RateLimit.TokensPerMinute)
	v.SetDefault("budget.total", d.Budget.Total)
	v.SetDefault("budget.daily", d.Budget.Daily)
	v.SetDefault("budget.hourly", d.Budget.Hourly)
	v.SetDefault("retry.delay_base", d.Retry.DelayBase)
	v.SetDefault("retry.delay_cap", d.Retry.DelayCap)
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.cache_ttl", d.API.CacheTTL)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.retention_days", d.Logging.RetentionDays)
	v.SetDefault("maintenance.cleanup_cron", d.Maintenance.CleanupCron)
	v.SetDefault("maintenance.task_retention", d.Maintenance.TaskRetention)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", d.History.Path)
}

// Validate checks field constraints. Zero values pass where a default
// applies downstream; explicit nonsense does not.
func Validate(cfg *Config) error {
	if cfg.Manager.MaxConcurrent < 0 {
		return ErrInvalidConcurrency
	}
	if cfg.Manager.QueueCapacity < 0 {
		return ErrInvalidQueueCapacity
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.RequestsPerHour < 0 || cfg.RateLimit.TokensPerMinute < 0 {
		return ErrInvalidRateLimit
	}
	if cfg.Budget.Total < 0 || cfg.Budget.Daily < 0 || cfg.Budget.Hourly < 0 {
		return ErrInvalidBudget
	}
	if cfg.Retry.DelayBase != "" {
		if d, err := time.ParseDuration(cfg.Retry.DelayBase); err != nil || d <= 0 {
			return ErrInvalidRetryBase
		}
	}
	if cfg.Logging.Level != "" {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return ErrInvalidLogLevel
		}
	}
	if cfg.Logging.Format != "" {
		switch cfg.Logging.Format {
		case "json", "text":
		default:
			return ErrInvalidLogFormat
		}
	}
	return nil
}

// Duration parses a duration field, falling back when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Watch re-loads the config file on writes and invokes onChange with each
// valid new configuration. Invalid intermediate states are logged and
// skipped. Returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	if path == "" {
		path = GlobalConfigPath()
	}
	path = expandPath(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch held on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	logger := logging.Component("config")
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.WarnCtx("config reload skipped", map[string]any{"error": err.Error()})
					continue
				}
				logger.Info("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WarnCtx("config watcher error", map[string]any{"error": err.Error()})
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

package app

import (
	"fmt"
	"strings"
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/domain"
	"dosewatch/internal/notify"
	"dosewatch/internal/reconcile"
	"dosewatch/internal/scheduler"
	"dosewatch/internal/storage"
	"dosewatch/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.AdminChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if path == "" && driver != "memory" {
		path = "./dosewatch.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapReminderPolicy(cfg *config.Config) (reconcile.Policy, error) {
	grace, err := config.ParseDurationOrDefault("reminder.grace_period", cfg.Reminder.GracePeriod, reconcile.DefaultGracePeriod)
	if err != nil {
		return reconcile.Policy{}, err
	}
	tz := strings.TrimSpace(cfg.Reminder.Timezone)
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return reconcile.Policy{}, fmt.Errorf("reminder.timezone: invalid %q: %w", tz, err)
		}
	}
	return reconcile.Policy{GracePeriod: grace, Location: loc}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	defTimeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 2
	}
	history := cfg.Scheduler.HistorySize
	if history <= 0 {
		history = 50
	}
	retryMax := cfg.Scheduler.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        workers,
		DefaultTimeout: defTimeout,
		HistorySize:    history,
		Timezone:       cfg.Reminder.Timezone,
		RetryMax:       retryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", cfg.Notifier.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", cfg.Notifier.DedupWindow, 20*time.Hour)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       cfg.Notifier.Enabled,
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedup,
	}, nil
}

// validateConfig gates hot reloads; a config that fails here is rejected
// without touching the running services.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapReminderPolicy(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("reminder.tick_interval", cfg.Reminder.TickInterval); err != nil {
		return err
	}
	if at := strings.TrimSpace(cfg.Reminder.DailyResetAt); at != "" {
		if _, _, err := domain.ParseHHMM(at); err != nil {
			return fmt.Errorf("reminder.daily_reset_at: %w", err)
		}
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

package config

// Config is the full daemon configuration. Files may be JSON or YAML; YAML
// is normalized and decoded through the strict JSON decoder so unknown keys
// are rejected in both formats.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Reminder holds the reconciliation policy constants.
	Reminder ReminderConfig `json:"reminder"`

	// Scheduler controls the cron trigger service driving the
	// reconciliation cadences.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier controls the async reminder delivery pipeline.
	Notifier NotifierConfig `json:"notifier"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChatID receives mirrored warning/error logs (0 disables).
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dosewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReminderConfig carries the reconciliation policy.
//
// Timezone is the reference timezone for every "today"/"now" computation;
// it is never inferred from the host. All durations are Go duration strings.
type ReminderConfig struct {
	Timezone string `json:"timezone"`
	// GracePeriod is the tolerance between a dose becoming due and being
	// considered missed. Default "30m".
	GracePeriod string `json:"grace_period,omitempty"`
	// TickInterval is the reconciliation cadence. Default "60s".
	TickInterval string `json:"tick_interval,omitempty"`
	// DailyResetAt is the wall-clock "HH:MM" of the daily reset pass in the
	// reference timezone. Default "00:00".
	DailyResetAt string `json:"daily_reset_at,omitempty"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`
	// DefaultTimeout is a Go duration string; "0s" disables the global
	// default per-task timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async reminder pipeline.
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// DedupWindow suppresses repeat sends of an identical reminder within
	// the window. Default "20h" so one slot reminds at most once per day.
	DedupWindow string `json:"dedup_window,omitempty"`
}

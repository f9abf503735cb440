package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage controls the persistence layer. Nil means disabled, which
	// also disables reminders and broadcasts.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Reminder controls the minute scheduler and the delivery workers.
	// If the whole section is omitted, reminders default to enabled.
	Reminder *ReminderConfig `json:"reminder,omitempty"`

	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs are granted the admin flag at startup.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReminderConfig controls reminder scheduling and delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
//
// CatchUp is a pointer so "omitted" (default true, deliver overdue
// reminders after downtime) is distinguishable from an explicit false
// (strict minute equality, skipped minutes are lost).
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 25
//   - send_timeout: "10s"
type ReminderConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	CatchUp     *bool  `json:"catch_up,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// BroadcastConfig controls the admin fan-out pipeline.
type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Secrets (the bot token) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log the token itself)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Reminder. Nil means runtime defaults; deref for an accurate compare.
	oldR := derefReminder(oldCfg.Reminder)
	newR := derefReminder(newCfg.Reminder)
	if !reflect.DeepEqual(oldR, newR) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Bool("reminder.enabled", newR.Enabled == nil || *newR.Enabled),
			logx.Int("reminder.workers", newR.Workers),
			logx.Int("reminder.queue_size", newR.QueueSize),
			logx.Int("reminder.rate_per_sec", newR.RatePerSec),
			logx.Bool("reminder.catch_up", newR.CatchUp == nil || *newR.CatchUp),
			logx.String("reminder.send_timeout", strings.TrimSpace(newR.SendTimeout)),
		)
	}

	// Broadcast
	oldB := derefBroadcast(oldCfg.Broadcast)
	newB := derefBroadcast(newCfg.Broadcast)
	if oldB != newB {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.workers", newB.Workers),
			logx.Int("broadcast.rate_per_sec", newB.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefReminder(r *ReminderConfig) ReminderConfig {
	if r == nil {
		return ReminderConfig{}
	}
	return *r
}

func derefBroadcast(b *BroadcastConfig) BroadcastConfig {
	if b == nil {
		return BroadcastConfig{}
	}
	return *b
}

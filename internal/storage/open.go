package storage

import (
	"context"
	"errors"
	"strings"

	logx "remindbot/pkg/logx"
)

// Store is the persistence API used by the services.
//
// All methods are independently atomic; callers never need a cross-call
// transaction because each reminder is processed as an isolated unit.
type Store interface {
	// UpsertUser inserts or refreshes a user keyed by ID. Profile fields
	// are overwritten; the stored admin flag is preserved on conflict.
	UpsertUser(ctx context.Context, u User) error
	// EnsureUser creates a bare row for userID if none exists. An
	// existing row is left completely untouched, profile included.
	EnsureUser(ctx context.Context, userID int64) error
	// SetAdmin is the only path that changes the admin flag.
	SetAdmin(ctx context.Context, userID int64, admin bool) error
	// IsAdmin reports the admin flag; unknown users are not admins.
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	// AllUserIDs snapshots every registered user id.
	AllUserIDs(ctx context.Context) ([]int64, error)

	// CreateReminder persists a reminder and returns its id.
	// The message must be non-blank; dueKey must already be a valid
	// minute key (callers validate via clock.ParseMinute).
	CreateReminder(ctx context.Context, ownerID int64, message, dueKey string) (int64, error)
	// ListReminders snapshots the owner's pending reminders.
	ListReminders(ctx context.Context, ownerID int64) ([]Reminder, error)
	// DueAt returns reminders whose due key equals minuteKey exactly.
	DueAt(ctx context.Context, minuteKey string) ([]Reminder, error)
	// DueBy returns reminders whose due key is at or before minuteKey.
	DueBy(ctx context.Context, minuteKey string) ([]Reminder, error)
	// DeleteReminder is idempotent; deleting an unknown id is a no-op.
	DeleteReminder(ctx context.Context, id int64) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

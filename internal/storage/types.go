package storage

import (
	"errors"
	"time"
)

var (
	ErrEmptyMessage = errors.New("reminder message is empty")
	ErrDisabled     = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default when empty): SQLite database file
//
// If Driver is "none", storage is disabled and Open returns (nil, nil).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is a registered bot user.
//
// ID is the stable external (Telegram) identifier. Profile fields are
// refreshed on every registration; IsAdmin only changes through SetAdmin.
type User struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	RegisteredAt time.Time
	IsAdmin      bool
}

// Reminder is a pending reminder. DueKey is a minute-precision
// "YYYY-MM-DD HH:MM" key (see clock.MinuteKey).
type Reminder struct {
	ID      int64
	OwnerID int64
	Message string
	DueKey  string
}

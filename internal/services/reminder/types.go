package reminder

import (
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/storage"
)

// Validation errors surfaced to the caller, never retried.
var (
	ErrEmptyMessage = storage.ErrEmptyMessage
	ErrBadTime      = clock.ErrBadMinute
)

// Config controls the scan/delivery pipeline.
//
// Durations come from the config layer already parsed.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
	// CatchUp selects the scan policy: range match when true (default),
	// exact-minute equality when false.
	CatchUp bool
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
}

// DeliveryEvent is published on the bus for every completed delivery attempt.
type DeliveryEvent struct {
	ReminderID int64
	OwnerID    int64
	At         time.Time
	Terminal   bool
	Error      string
}

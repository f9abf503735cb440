// Package clock abstracts minute-granular wall time so the reminder scan
// can be driven deterministically in tests.
package clock

import (
	"errors"
	"time"
)

// MinuteLayout is the storage layout for reminder due times.
// No seconds, no timezone: reminders fire on local wall-clock minutes.
const MinuteLayout = "2006-01-02 15:04"

// Clock supplies the current time. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

// Manual is a settable clock for tests. The zero value starts at the
// zero time; use Set or Advance before reading.
type Manual struct {
	t time.Time
}

func NewManual(t time.Time) *Manual { return &Manual{t: t} }

func (m *Manual) Now() time.Time { return m.t }

func (m *Manual) Set(t time.Time) { m.t = t }

func (m *Manual) Advance(d time.Duration) { m.t = m.t.Add(d) }

// Truncate drops the sub-minute component of t.
func Truncate(t time.Time) time.Time { return t.Truncate(time.Minute) }

// MinuteKey formats t as a minute-precision key ("YYYY-MM-DD HH:MM").
// Keys compare lexicographically in chronological order, which is what
// the store's range due-check relies on.
func MinuteKey(t time.Time) string { return Truncate(t).Format(MinuteLayout) }

// ErrBadMinute reports an unparsable minute key.
var ErrBadMinute = errors.New("invalid time, expected YYYY-MM-DD HH:MM")

// ParseMinute parses a minute-precision key in local time.
func ParseMinute(s string) (time.Time, error) {
	t, err := time.ParseInLocation(MinuteLayout, s, time.Local)
	if err != nil {
		return time.Time{}, ErrBadMinute
	}
	return t, nil
}

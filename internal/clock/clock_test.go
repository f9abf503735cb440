package clock

import (
	"testing"
	"time"
)

func TestMinuteKeyDropsSeconds(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 6, 24, 10, 0, 59, 123456, time.Local)
	if got := MinuteKey(ts); got != "2025-06-24 10:00" {
		t.Fatalf("MinuteKey = %q", got)
	}
}

func TestParseMinuteRoundTrip(t *testing.T) {
	t.Parallel()
	ts, err := ParseMinute("2025-06-24 10:00")
	if err != nil {
		t.Fatalf("ParseMinute error: %v", err)
	}
	if got := MinuteKey(ts); got != "2025-06-24 10:00" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestParseMinuteRejectsSecondsAndGarbage(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "tomorrow", "2025-06-24", "2025-06-24 10:00:30", "24-06-2025 10:00"} {
		if _, err := ParseMinute(raw); err == nil {
			t.Fatalf("ParseMinute(%q) expected error", raw)
		}
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()
	m := NewManual(time.Date(2025, 6, 24, 10, 0, 0, 0, time.Local))
	m.Advance(61 * time.Second)
	if got := MinuteKey(m.Now()); got != "2025-06-24 10:01" {
		t.Fatalf("after advance = %q", got)
	}
}

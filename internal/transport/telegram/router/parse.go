package router

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq uint64

func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return base36(time.Now().UnixNano()) + "-" + base36(int64(n))
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}

var errNoSeparator = errors.New("missing | separator")

// parseReminderInput splits free-form reminder input of the shape
//
//	message|YYYY-MM-DD HH:MM
//
// The split happens at the last '|' so the message itself may contain
// the character. Field validation (empty text, time format) is left to
// the reminder service.
func parseReminderInput(text string) (message, at string, err error) {
	i := strings.LastIndexByte(text, '|')
	if i < 0 {
		return "", "", errNoSeparator
	}
	return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:]), nil
}

package transport

import (
	"context"
	"errors"
	"net"
	"strings"
)

// FailureKind classifies a send failure for the delivery pipeline.
//
// Terminal failures will not succeed on retry (unknown recipient, bot
// blocked); transient failures may (network blips, rate limits, 5xx).
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailureTerminal
)

// SendError wraps an adapter send failure with a classification.
type SendError struct {
	Kind FailureKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return "send failed"
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Terminal wraps err as a failure that should not be retried.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Kind: FailureTerminal, Err: err}
}

// Transient wraps err as a failure that may succeed later.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Kind: FailureTransient, Err: err}
}

// IsTerminal reports whether err is classified as a terminal send failure.
// Unclassified errors default to transient: keeping a reminder alive is
// cheaper than deleting one that could still be delivered.
func IsTerminal(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind == FailureTerminal
	}
	return false
}

// Classify maps a raw adapter error onto a SendError.
//
// Telegram responses that mean "this recipient will never receive the
// message" are terminal; everything else (timeouts, network faults,
// flood limits, server errors) is transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient(err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"bot was blocked",
		"user is deactivated",
		"chat not found",
		"bot can't initiate conversation",
		"bot can't send messages to bots",
		"peer_id_invalid",
	} {
		if strings.Contains(msg, marker) {
			return Terminal(err)
		}
	}
	return Transient(err)
}

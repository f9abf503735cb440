package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyTerminalMarkers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		terminal bool
	}{
		{name: "blocked", err: errors.New("telegram: Forbidden: bot was blocked by the user (403)"), terminal: true},
		{name: "deactivated", err: errors.New("telegram: Forbidden: user is deactivated (403)"), terminal: true},
		{name: "chat not found", err: errors.New("telegram: Bad Request: chat not found (400)"), terminal: true},
		{name: "flood", err: errors.New("telegram: Too Many Requests: retry after 5 (429)"), terminal: false},
		{name: "server error", err: errors.New("telegram: Internal Server Error (500)"), terminal: false},
		{name: "ctx deadline", err: context.DeadlineExceeded, terminal: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if IsTerminal(got) != tt.terminal {
				t.Fatalf("IsTerminal(Classify(%v)) = %v, want %v", tt.err, IsTerminal(got), tt.terminal)
			}
		})
	}
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	t.Parallel()
	err := Terminal(errors.New("gone"))
	if got := Classify(fmt.Errorf("send: %w", err)); !IsTerminal(got) {
		t.Fatal("wrapped terminal error lost its classification")
	}
}

func TestSendErrorUnwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("boom")
	if !errors.Is(Transient(inner), inner) {
		t.Fatal("Unwrap broken")
	}
	if Classify(nil) != nil || Terminal(nil) != nil || Transient(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

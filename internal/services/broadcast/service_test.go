package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type fakeAdapter struct {
	mu    sync.Mutex
	sends []sentMsg
	// fail returns the error for a given recipient (nil = success).
	fail func(chatID int64) error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(to.ChatID); err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.sends = append(f.sends, sentMsg{ChatID: to.ChatID, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sends)}, nil
}

func (f *fakeAdapter) sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sends...)
}

func newTestService(t *testing.T, ad *fakeAdapter, users int, admin int64) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for i := 1; i <= users; i++ {
		u := storage.User{ID: int64(i), Username: fmt.Sprintf("u%d", i), FirstName: "User"}
		if err := st.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	if admin > 0 {
		if err := st.SetAdmin(ctx, admin, true); err != nil {
			t.Fatalf("SetAdmin: %v", err)
		}
	}

	svc := New(Config{RatePerSec: 1000}, st, ad, eventbus.New(), logx.Nop())
	return svc, st
}

func TestFanoutIsolatesFailures(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: func(chatID int64) error {
		if chatID == 3 {
			return kit.Terminal(errors.New("forbidden: bot was blocked by the user"))
		}
		return nil
	}}
	svc, _ := newTestService(t, ad, 5, 1)
	ctx := context.Background()

	id, err := svc.Send(ctx, 1, "server maintenance at noon")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := ad.sent()
	if len(got) != 4 {
		t.Fatalf("sent %d messages, want 4 (one recipient fails)", len(got))
	}
	for _, m := range got {
		if !strings.HasPrefix(m.Text, "📢 Broadcast:\n") {
			t.Fatalf("message %q lacks broadcast prefix", m.Text)
		}
		if m.ChatID == 3 {
			t.Fatalf("failing recipient 3 received a message")
		}
	}

	st, ok := svc.Status(id)
	if !ok {
		t.Fatalf("Status(%q) unknown", id)
	}
	if st.Total != 5 || st.Done != 4 || st.Failed != 1 || st.Running {
		t.Fatalf("status = %+v, want total=5 done=4 failed=1 running=false", st)
	}
}

func TestNonAdminRejected(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newTestService(t, ad, 3, 1)

	_, err := svc.Send(context.Background(), 2, "hello")
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("Send by non-admin: err = %v, want ErrNotAdmin", err)
	}
	if got := ad.sent(); len(got) != 0 {
		t.Fatalf("non-admin send delivered %d messages, want 0", len(got))
	}
}

func TestUnknownSenderRejected(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newTestService(t, ad, 2, 1)

	_, err := svc.Send(context.Background(), 999, "hello")
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("Send by unknown user: err = %v, want ErrNotAdmin", err)
	}
}

func TestEmptyTextRejected(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newTestService(t, ad, 2, 1)

	// Whitespace-only counts as empty too.
	for _, text := range []string{"", "   ", " \n\t "} {
		_, err := svc.Send(context.Background(), 1, text)
		if !errors.Is(err, ErrEmptyText) {
			t.Fatalf("Send(%q): err = %v, want ErrEmptyText", text, err)
		}
	}
	if got := ad.sent(); len(got) != 0 {
		t.Fatalf("empty-text send delivered %d messages, want 0", len(got))
	}
}

func TestFinishedEventPublished(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	bus := eventbus.New()
	svc, _ := newTestService(t, ad, 2, 1)
	svc.bus = bus

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	if _, err := svc.Send(context.Background(), 1, "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.BroadcastFinished {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.BroadcastFinished)
		}
		st, ok := ev.Data.(JobStatus)
		if !ok {
			t.Fatalf("event data = %T, want JobStatus", ev.Data)
		}
		if st.Total != 2 || st.Done != 2 {
			t.Fatalf("finished status = %+v, want total=2 done=2", st)
		}
	default:
		t.Fatal("no event published")
	}
}

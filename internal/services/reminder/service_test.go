package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/clock"
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

func newTestService(t *testing.T, catchUp bool, ad *fakeAdapter) (*Service, *clock.Manual) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(time.Date(2025, 6, 24, 10, 0, 0, 0, time.Local))
	svc := New(Config{Enabled: true, CatchUp: catchUp}, st, ad, clk, eventbus.New(), logx.Nop())
	return svc, clk
}

func TestDeliverOnExactMinute(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, clk := newTestService(t, false, ad)
	ctx := context.Background()

	if _, err := svc.Create(ctx, 42, "Meeting", "2025-06-24 10:00"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Not due yet.
	clk.Set(time.Date(2025, 6, 24, 9, 59, 30, 0, time.Local))
	svc.Tick(ctx)
	if got := ad.sent(); len(got) != 0 {
		t.Fatalf("early tick sent %v", got)
	}

	// Due minute (seconds must be ignored).
	clk.Set(time.Date(2025, 6, 24, 10, 0, 45, 0, time.Local))
	svc.Tick(ctx)
	got := ad.sent()
	if len(got) != 1 || got[0].ChatID != 42 || got[0].Text != "⏰ Reminder: Meeting" {
		t.Fatalf("sent = %+v", got)
	}

	// Delivered reminder is gone from the owner's list.
	left, err := svc.List(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("List after delivery = %+v", left)
	}

	// Re-scanning the same minute must not re-deliver.
	svc.Tick(ctx)
	if got := ad.sent(); len(got) != 1 {
		t.Fatalf("duplicate delivery: %+v", got)
	}
}

func TestSameMinuteIndependentOutcomes(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: func(chatID int64) error {
		if chatID == 2 {
			return kit.Terminal(errors.New("bot was blocked by the user"))
		}
		return nil
	}}
	svc, _ := newTestService(t, false, ad)
	ctx := context.Background()

	if _, err := svc.Create(ctx, 1, "one", "2025-06-24 10:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, 2, "two", "2025-06-24 10:00"); err != nil {
		t.Fatal(err)
	}

	svc.Tick(ctx)

	// Owner 1 got their reminder; owner 2's terminal failure still cleans up.
	got := ad.sent()
	if len(got) != 1 || got[0].ChatID != 1 {
		t.Fatalf("sent = %+v", got)
	}
	for _, owner := range []int64{1, 2} {
		left, err := svc.List(ctx, owner)
		if err != nil {
			t.Fatal(err)
		}
		if len(left) != 0 {
			t.Fatalf("owner %d still has %+v", owner, left)
		}
	}
}

func TestTransientFailureKeepsReminder(t *testing.T) {
	t.Parallel()
	var failing bool
	ad := &fakeAdapter{}
	ad.fail = func(chatID int64) error {
		if failing {
			return kit.Transient(errors.New("telegram: timeout"))
		}
		return nil
	}
	svc, _ := newTestService(t, false, ad)
	ctx := context.Background()

	if _, err := svc.Create(ctx, 7, "call mom", "2025-06-24 10:00"); err != nil {
		t.Fatal(err)
	}

	failing = true
	svc.Tick(ctx)
	if got := ad.sent(); len(got) != 0 {
		t.Fatalf("sent despite failure: %+v", got)
	}
	left, err := svc.List(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Fatalf("reminder lost after transient failure: %+v", left)
	}

	// Same-minute retry still matches and succeeds.
	failing = false
	svc.Tick(ctx)
	if got := ad.sent(); len(got) != 1 {
		t.Fatalf("same-minute retry: %+v", ad.sent())
	}
}

func TestEqualityScanLosesSkippedMinute(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: func(int64) error {
		return kit.Transient(errors.New("telegram: timeout"))
	}}
	svc, clk := newTestService(t, false, ad)
	ctx := context.Background()

	if _, err := svc.Create(ctx, 7, "call mom", "2025-06-24 10:00"); err != nil {
		t.Fatal(err)
	}
	svc.Tick(ctx)

	// One minute later the equality scan no longer matches: the reminder
	// survives in the store but is never delivered.
	clk.Advance(time.Minute)
	ad.fail = nil
	svc.Tick(ctx)
	if got := ad.sent(); len(got) != 0 {
		t.Fatalf("equality scan matched a past minute: %+v", got)
	}
	left, _ := svc.List(ctx, 7)
	if len(left) != 1 {
		t.Fatalf("row should still exist: %+v", left)
	}
}

func TestCatchUpScanDeliversOverdue(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, clk := newTestService(t, true, ad)
	ctx := context.Background()

	if _, err := svc.Create(ctx, 9, "overdue", "2025-06-24 09:00"); err != nil {
		t.Fatal(err)
	}
	clk.Set(time.Date(2025, 6, 24, 10, 0, 0, 0, time.Local))
	svc.Tick(ctx)
	got := ad.sent()
	if len(got) != 1 || got[0].Text != "⏰ Reminder: overdue" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, true, &fakeAdapter{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, 1, "  ", "2025-06-24 10:00"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty message err = %v", err)
	}
	if _, err := svc.Create(ctx, 1, "hi", "soon"); !errors.Is(err, ErrBadTime) {
		t.Fatalf("bad time err = %v", err)
	}
	// Past times are accepted and fire on the next catch-up scan.
	if _, err := svc.Create(ctx, 1, "hi", "2020-01-01 00:00"); err != nil {
		t.Fatalf("past time rejected: %v", err)
	}
}

func TestDeliveryEventPublished(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newTestService(t, false, ad)

	bus := eventbus.New()
	svc.bus = bus
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	ctx := context.Background()
	if _, err := svc.Create(ctx, 42, "Meeting", "2025-06-24 10:00"); err != nil {
		t.Fatal(err)
	}
	svc.Tick(ctx)

	select {
	case ev := <-ch:
		if ev.Type != eventbus.ReminderDelivered {
			t.Fatalf("event type = %s", ev.Type)
		}
		de, ok := ev.Data.(DeliveryEvent)
		if !ok || de.OwnerID != 42 {
			t.Fatalf("event data = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery event")
	}
}

func TestRestartClearsStrandedInflight(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newTestService(t, true, ad)
	ctx := context.Background()

	id, err := svc.Create(ctx, 42, "Meeting", "2025-06-24 10:00")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A job that was enqueued but never reached a worker (the drain
	// timed out) leaves its id marked; scans then skip the row.
	svc.markInflight(id)
	svc.Tick(ctx)
	if n := len(ad.sent()); n != 0 {
		t.Fatalf("sends = %d, want 0 while marked in flight", n)
	}

	// A stop/start cycle (config re-enable) must forget stale ids.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop(ctx)

	svc.Tick(ctx)
	if n := len(ad.sent()); n != 1 {
		t.Fatalf("sends after restart = %d, want 1", n)
	}
}

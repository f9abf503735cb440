package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "remindbot/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertUserPreservesAdminFlag(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertUser(ctx, User{ID: 42, Username: "alice", FirstName: "Alice"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := st.SetAdmin(ctx, 42, true); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}

	// Re-registration refreshes the profile but must not reset the flag.
	if err := st.UpsertUser(ctx, User{ID: 42, Username: "alice2"}); err != nil {
		t.Fatalf("UpsertUser again: %v", err)
	}
	admin, err := st.IsAdmin(ctx, 42)
	if err != nil {
		t.Fatalf("IsAdmin: %v", err)
	}
	if !admin {
		t.Fatal("admin flag was reset by re-registration")
	}
}

func TestEnsureUserKeepsProfile(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertUser(ctx, User{ID: 42, Username: "alice", FirstName: "Alice"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	// Startup admin seeding runs this on every boot; an existing row
	// must come through untouched.
	if err := st.EnsureUser(ctx, 42); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	var username, first string
	err := st.(*sqliteStore).db.QueryRowContext(ctx,
		`SELECT COALESCE(username,''), COALESCE(first_name,'') FROM users WHERE user_id = 42`,
	).Scan(&username, &first)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if username != "alice" || first != "Alice" {
		t.Fatalf("profile after EnsureUser = (%q, %q), want (alice, Alice)", username, first)
	}

	// Unknown ids get a bare row so SetAdmin has something to flag.
	if err := st.EnsureUser(ctx, 7); err != nil {
		t.Fatalf("EnsureUser new: %v", err)
	}
	if err := st.SetAdmin(ctx, 7, true); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}
	if admin, err := st.IsAdmin(ctx, 7); err != nil || !admin {
		t.Fatalf("IsAdmin = (%v, %v), want (true, nil)", admin, err)
	}
}

func TestIsAdminUnknownUser(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	admin, err := st.IsAdmin(context.Background(), 999)
	if err != nil {
		t.Fatalf("IsAdmin: %v", err)
	}
	if admin {
		t.Fatal("unknown user reported as admin")
	}
}

func TestCreateReminderRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	if _, err := st.CreateReminder(context.Background(), 1, "   ", "2025-06-24 10:00"); err != ErrEmptyMessage {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestDueAtMatchesExactMinuteOnly(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateReminder(ctx, 42, "Meeting", "2025-06-24 10:00")
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	due, err := st.DueAt(ctx, "2025-06-24 10:00")
	if err != nil {
		t.Fatalf("DueAt: %v", err)
	}
	if len(due) != 1 || due[0].ID != id || due[0].OwnerID != 42 || due[0].Message != "Meeting" {
		t.Fatalf("DueAt = %+v", due)
	}

	for _, other := range []string{"2025-06-24 09:59", "2025-06-24 10:01", "2025-06-25 10:00"} {
		got, err := st.DueAt(ctx, other)
		if err != nil {
			t.Fatalf("DueAt(%q): %v", other, err)
		}
		if len(got) != 0 {
			t.Fatalf("DueAt(%q) = %+v, want empty", other, got)
		}
	}
}

func TestDueByIncludesOverdue(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateReminder(ctx, 1, "old", "2025-06-24 09:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateReminder(ctx, 1, "now", "2025-06-24 10:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateReminder(ctx, 1, "future", "2025-06-24 10:01"); err != nil {
		t.Fatal(err)
	}

	due, err := st.DueBy(ctx, "2025-06-24 10:00")
	if err != nil {
		t.Fatalf("DueBy: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("DueBy returned %d rows, want 2: %+v", len(due), due)
	}
	if due[0].Message != "old" || due[1].Message != "now" {
		t.Fatalf("DueBy order = %+v", due)
	}
}

func TestDeleteReminderIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateReminder(ctx, 42, "Meeting", "2025-06-24 10:00")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteReminder(ctx, id); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	// Unknown id is a no-op, not an error.
	if err := st.DeleteReminder(ctx, id); err != nil {
		t.Fatalf("DeleteReminder twice: %v", err)
	}
	if err := st.DeleteReminder(ctx, 123456); err != nil {
		t.Fatalf("DeleteReminder unknown: %v", err)
	}

	left, err := st.ListReminders(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("ListReminders after delete = %+v", left)
	}
}

func TestAllUserIDsSnapshot(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := st.UpsertUser(ctx, User{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	// Upsert of an existing id must not duplicate.
	if err := st.UpsertUser(ctx, User{ID: 2, Username: "bob"}); err != nil {
		t.Fatal(err)
	}

	ids, err := st.AllUserIDs(ctx)
	if err != nil {
		t.Fatalf("AllUserIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("AllUserIDs = %v", ids)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(none): %v", err)
	}
	if st != nil {
		t.Fatal("disabled storage should be nil")
	}
}

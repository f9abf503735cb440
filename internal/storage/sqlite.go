package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if u.RegisteredAt.IsZero() {
		u.RegisteredAt = time.Now()
	}
	// Re-registration refreshes the profile but keeps is_admin and the
	// original registration time; the admin flag only moves via SetAdmin.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, first_name, last_name, registered_at, is_admin)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username,
		   first_name=excluded.first_name,
		   last_name=excluded.last_name`,
		u.ID, nullStr(u.Username), nullStr(u.FirstName), nullStr(u.LastName),
		u.RegisteredAt.Format(time.RFC3339), boolInt(u.IsAdmin),
	)
	return err
}

func (s *sqliteStore) EnsureUser(ctx context.Context, userID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, registered_at) VALUES(?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().Format(time.RFC3339),
	)
	return err
}

func (s *sqliteStore) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_admin = ? WHERE user_id = ?`, boolInt(admin), userID)
	return err
}

func (s *sqliteStore) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_admin FROM users WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (s *sqliteStore) AllUserIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) CreateReminder(ctx context.Context, ownerID int64, message, dueKey string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, ErrEmptyMessage
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(user_id, message, remind_at) VALUES(?,?,?)`,
		ownerID, message, dueKey)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListReminders(ctx context.Context, ownerID int64) ([]Reminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryReminders(ctx,
		`SELECT id, user_id, message, remind_at FROM reminders WHERE user_id = ? ORDER BY remind_at, id`,
		ownerID)
}

func (s *sqliteStore) DueAt(ctx context.Context, minuteKey string) ([]Reminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryReminders(ctx,
		`SELECT id, user_id, message, remind_at FROM reminders WHERE remind_at = ?`,
		minuteKey)
}

func (s *sqliteStore) DueBy(ctx context.Context, minuteKey string) ([]Reminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// Minute keys order lexicographically, so <= is a correct time range.
	return s.queryReminders(ctx,
		`SELECT id, user_id, message, remind_at FROM reminders WHERE remind_at <= ? ORDER BY remind_at, id`,
		minuteKey)
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var msg, due sql.NullString
		if err := rows.Scan(&r.ID, &r.OwnerID, &msg, &due); err != nil {
			return nil, err
		}
		r.Message = msg.String
		r.DueKey = due.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/services/broadcast"
	"remindbot/internal/services/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const (
	actionSetReminder   = "set_reminder"
	actionListReminders = "list_reminders"
	actionAbout         = "about"
)

const (
	greetingText = "Hi %s! I can remind you about things.\nPick an option below or type /help."
	aboutText    = "I store your reminders and ping you at the exact minute.\nReminders survive restarts."
	promptText   = "Send me the reminder like this:\n\nmessage|YYYY-MM-DD HH:MM\n\nExample: Call mom|2026-09-01 18:30"
	helpText     = "/start - open the menu\n/broadcast <text> - message all users (admins)\n/help - this text"
	photoText    = "Nice photo! I can only work with text reminders for now."
)

func (r *Router) registerHandlers() {
	cmds := []Command{
		{
			Name:        "start",
			Description: "register and show the menu",
			Usage:       "/start",
			Handle:      r.cmdStart,
		},
		{
			Name:        "help",
			Description: "show usage",
			Usage:       "/help",
			Handle: func(ctx context.Context, req *Request) error {
				_, err := req.Adapter.SendText(ctx, req.Chat, helpText, nil)
				return err
			},
		},
		{
			Name:        "broadcast",
			Description: "send a message to every registered user",
			Usage:       "/broadcast <text>",
			Timeout:     30 * time.Second,
			Handle:      r.cmdBroadcast,
		},
	}

	cbs := []CallbackRoute{
		{Action: actionSetReminder, Access: AccessEveryone, Handle: r.cbSetReminder},
		{Action: actionListReminders, Access: AccessEveryone, Handle: r.cbListReminders},
		{Action: actionAbout, Access: AccessEveryone, Handle: r.cbAbout},
	}

	r.register(cmds, cbs)
}

// mainMenu builds the inline keyboard shown by /start.
func mainMenu() *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	set := m.Data("⏰ Set Reminder", actionSetReminder)
	list := m.Data("🗒 My Reminders", actionListReminders)
	about := m.Data("ℹ️ About", actionAbout)
	m.Inline(m.Row(set), m.Row(list, about))
	return m
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if req.Services != nil && req.Services.Store != nil {
		u := storage.User{
			ID:        msg.FromID,
			Username:  msg.FromUsername,
			FirstName: msg.FromFirst,
			LastName:  msg.FromLast,
		}
		if err := req.Services.Store.UpsertUser(ctx, u); err != nil {
			req.Logger.Warn("user upsert failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		}
	}

	name := strings.TrimSpace(msg.FromFirst)
	if name == "" {
		name = "there"
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf(greetingText, name), &kit.SendOptions{
		ReplyMarkupAdapter: mainMenu(),
	})
	return err
}

func (r *Router) cmdBroadcast(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Broadcasts == nil {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Broadcasts are disabled.", nil)
		return err
	}
	text := strings.TrimSpace(strings.Join(req.Args, " "))

	jobID, err := req.Services.Broadcasts.Send(ctx, req.FromID, text)
	switch {
	case errors.Is(err, broadcast.ErrNotAdmin):
		_, serr := req.Adapter.SendText(ctx, req.Chat, "This command is for admins only.", nil)
		return serr
	case errors.Is(err, broadcast.ErrEmptyText):
		_, serr := req.Adapter.SendText(ctx, req.Chat, "Usage: /broadcast <text>", nil)
		return serr
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "Broadcast failed, try again later.", nil)
		return err
	}

	reply := "Broadcast started."
	if st, ok := req.Services.Broadcasts.Status(jobID); ok {
		reply = fmt.Sprintf("Broadcast started for %d users.", st.Total)
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, reply, nil)
	return err
}

func (r *Router) cbSetReminder(ctx context.Context, req *Request, _ string) error {
	if req.Services == nil || req.Services.Reminders == nil || !req.Services.Reminders.Enabled() {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Reminders are disabled.", nil)
		return err
	}
	r.setPending(req.FromID, actionSetReminder)
	_, err := req.Adapter.SendText(ctx, req.Chat, promptText, nil)
	return err
}

func (r *Router) cbListReminders(ctx context.Context, req *Request, _ string) error {
	if req.Services == nil || req.Services.Reminders == nil || !req.Services.Reminders.Enabled() {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Reminders are disabled.", nil)
		return err
	}
	items, err := req.Services.Reminders.List(ctx, req.FromID)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "Could not load your reminders, try again later.", nil)
		return err
	}
	if len(items) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "You have no reminders.", nil)
		return err
	}

	var b strings.Builder
	b.WriteString("Your reminders:\n")
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s at %s\n", i+1, it.Message, it.DueKey)
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), nil)
	return err
}

func (r *Router) cbAbout(ctx context.Context, req *Request, _ string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, aboutText, nil)
	return err
}

// inputHandler returns the handler for pending free-form input.
func (r *Router) inputHandler(action string) HandlerFunc {
	switch action {
	case actionSetReminder:
		return r.inputSetReminder
	default:
		return func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, "Use /start to open the menu.", nil)
			return err
		}
	}
}

func (r *Router) inputSetReminder(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if req.Services == nil || req.Services.Reminders == nil {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Reminders are disabled.", nil)
		return err
	}

	text, at, err := parseReminderInput(msg.Text)
	if err != nil {
		r.setPending(req.FromID, actionSetReminder)
		_, serr := req.Adapter.SendText(ctx, req.Chat, "Invalid format. Send: message|YYYY-MM-DD HH:MM", nil)
		return serr
	}

	_, err = req.Services.Reminders.Create(ctx, req.FromID, text, at)
	switch {
	case errors.Is(err, reminder.ErrEmptyMessage):
		r.setPending(req.FromID, actionSetReminder)
		_, serr := req.Adapter.SendText(ctx, req.Chat, "The reminder text cannot be empty.", nil)
		return serr
	case errors.Is(err, reminder.ErrBadTime):
		r.setPending(req.FromID, actionSetReminder)
		_, serr := req.Adapter.SendText(ctx, req.Chat, "Invalid time. Use YYYY-MM-DD HH:MM (e.g. 2026-09-01 18:30).", nil)
		return serr
	case err != nil:
		_, _ = req.Adapter.SendText(ctx, req.Chat, "Could not save the reminder, try again later.", nil)
		return err
	}

	_, err = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("✅ Reminder set for %s.", at), nil)
	return err
}

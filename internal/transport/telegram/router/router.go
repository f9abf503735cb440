// Package router dispatches incoming bot updates to command and
// callback handlers through a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/services/broadcast"
	"remindbot/internal/services/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string // e.g. "start", "broadcast"
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	Action  string // matched against the callback data key
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string // callback payload (raw string)
	ReqID   string

	Adapter  kit.Adapter
	Config   *config.Config
	Logger   logx.Logger
	Services *Services
}

// Services are the domain ports handlers reach into.
type Services struct {
	Store      storage.Store
	Reminders  *reminder.Service
	Broadcasts *broadcast.Service
}

type Router struct {
	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]CallbackRoute
	admins    []int64

	// pending tracks users the bot is waiting on for free-form input
	// (e.g. the reminder text after tapping the menu button).
	pendMu  sync.Mutex
	pending map[int64]string

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.ConfigManager
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, cfgm *config.ConfigManager, serv *Services, admins []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		pending:   map[int64]string{},
		log:       log,
		adapter:   adapter,
		cfgm:      cfgm,
		serv:      serv,
		admins:    append([]int64(nil), admins...),
		jobs:      make(chan func(), 256),
	}
	r.registerHandlers()
	return r
}

// SetAdmins updates the id list used for AccessAdminOnly fast-path checks.
// Safe to call during hot-reload.
func (r *Router) SetAdmins(admins []int64) {
	cp := append([]int64(nil), admins...)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *Router) adminsSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.admins...)
	r.mu.RUnlock()
	return cp
}

func (r *Router) register(cmds []Command, cbs []CallbackRoute) {
	r.mu.Lock()
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.commands[c.Name] = c
	}
	for _, cb := range cbs {
		if cb.Action == "" || cb.Handle == nil {
			continue
		}
		r.callbacks[cb.Action] = cb
	}
	r.mu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel
// being closed during shutdown).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel
// closes. Handlers run on a bounded worker pool so one slow command
// cannot stall the intake.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.running = true
	r.runMu.Unlock()

	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.runMu.Lock()
			r.running = false
			r.runMu.Unlock()
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; keep the worker alive anyway.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in handler job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(root, up)
	case kit.UpdateCallback:
		r.routeCallback(root, up)
	}
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	if msg.Photo {
		// Photos are acknowledged but not stored.
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, photoText, &kit.SendOptions{
			ReplyMarkupAdapter: mainMenu(),
		})
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		r.routeFreeText(root, up)
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	// strip the @botname suffix used in groups
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "Unknown command. Try /help", nil)
		return
	}
	r.enqueueCommand(root, up, cmd, args)
}

func (r *Router) enqueueCommand(root context.Context, up kit.Update, cmd Command, args []string) {
	msg := up.Message
	if msg == nil {
		return
	}

	if cmd.Access == AccessAdminOnly && !r.isAdmin(root, msg.FromID) {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "This command is for admins only.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: msg.ChatID},
		FromID:   msg.FromID,
		Command:  cmd.Name,
		Args:     args,
		ReqID:    rid,
		Adapter:  r.adapter,
		Config:   r.cfgm.Get(),
		Logger:   r.requestLogger(rid, msg.ChatID, msg.FromID, cmd.Name),
		Services: r.serv,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, req.Chat, "Busy, try again.", nil)
	}
}

// routeFreeText handles non-command text. It only acts when the bot is
// waiting on the sender for input (pending state set by a callback).
func (r *Router) routeFreeText(root context.Context, up kit.Update) {
	msg := up.Message
	action, waiting := r.takePending(msg.FromID)
	if !waiting {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "Use /start to open the menu.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: msg.ChatID},
		FromID:   msg.FromID,
		Command:  "input:" + action,
		ReqID:    rid,
		Adapter:  r.adapter,
		Config:   r.cfgm.Get(),
		Logger:   r.requestLogger(rid, msg.ChatID, msg.FromID, "input:"+action),
		Services: r.serv,
	}

	final := Chain(
		r.inputHandler(action),
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(0),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		// The pending state was consumed; restore it so the user can retry.
		r.setPending(msg.FromID, action)
		_, _ = r.adapter.SendText(root, req.Chat, "Busy, try again.", nil)
	}
}

func (r *Router) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	action, payload := splitCallbackData(cb.Data)
	if action == "" {
		return
	}

	r.mu.RLock()
	route, ok := r.callbacks[action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	if route.Access == AccessAdminOnly && !r.isAdmin(root, cb.FromID) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: cb.ChatID},
		FromID:   cb.FromID,
		Command:  "cb:" + action,
		Payload:  payload,
		ReqID:    rid,
		Adapter:  r.adapter,
		Config:   r.cfgm.Get(),
		Logger:   r.requestLogger(rid, cb.ChatID, cb.FromID, "cb:"+action),
		Services: r.serv,
	}

	h := func(ctx context.Context, rq *Request) error { return route.Handle(ctx, rq, payload) }
	final := Chain(
		h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(route.Timeout),
	)

	if !r.tryEnqueue(func() {
		_ = final(root, req)
		// best-effort to stop the "loading" spinner
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (r *Router) requestLogger(rid string, chatID, fromID int64, cmd string) logx.Logger {
	return r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", chatID),
		logx.Int64("from_id", fromID),
		logx.String("cmd", cmd),
	)
}

// isAdmin consults the static config list first, then the stored flag.
func (r *Router) isAdmin(ctx context.Context, id int64) bool {
	for _, a := range r.adminsSnapshot() {
		if a == id {
			return true
		}
	}
	if r.serv == nil || r.serv.Store == nil {
		return false
	}
	ok, err := r.serv.Store.IsAdmin(ctx, id)
	if err != nil {
		r.log.Warn("admin lookup failed", logx.Int64("user_id", id), logx.Err(err))
		return false
	}
	return ok
}

func (r *Router) setPending(userID int64, action string) {
	r.pendMu.Lock()
	r.pending[userID] = action
	r.pendMu.Unlock()
}

func (r *Router) takePending(userID int64) (string, bool) {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	action, ok := r.pending[userID]
	if ok {
		delete(r.pending, userID)
	}
	return action, ok
}

// splitCallbackData splits "action|payload" callback data. The payload
// part is optional.
func splitCallbackData(data string) (action, payload string) {
	data = strings.TrimSpace(data)
	if i := strings.IndexByte(data, '|'); i >= 0 {
		return data[:i], data[i+1:]
	}
	return data, ""
}

// Package broadcast fans a single message out to every registered user.
//
// Delivery is best-effort: each recipient is attempted exactly once per
// job and a failure for one recipient never aborts the rest. Per-job
// counts are kept in memory for operator visibility.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Surfaced to the caller, never retried.
var (
	ErrNotAdmin  = errors.New("broadcast requires admin")
	ErrEmptyText = errors.New("broadcast text is empty")
)

const messagePrefix = "📢 Broadcast:\n"

type Config struct {
	Workers    int
	RatePerSec int
}

type job struct {
	id      string
	targets []int64
	text    string
}

// JobStatus is a point-in-time snapshot of a broadcast job.
type JobStatus struct {
	ID        string
	Total     int
	Done      int
	Failed    int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	store   storage.Store
	adapter kit.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	limiter *rate.Limiter
	queue   chan job
	sup     *rtsup.Supervisor

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

func New(cfg Config, store storage.Store, adapter kit.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		adapter: adapter,
		bus:     bus,
		log:     log,
		status:  map[string]*JobStatus{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, 64)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "broadcast"))),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart("fanout", func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("broadcaster started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop stops intake and drains queued jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	if q == nil {
		return
	}
	close(q)
	if sup != nil {
		if err := sup.Wait(ctx); err != nil {
			sup.Cancel()
		}
	}
	s.log.Info("broadcaster stopped")
}

// Send validates the request and fans text out to every registered user.
//
// The admin gate and the empty-text check fail fast with zero messages
// sent. When the worker pool is running the fan-out happens
// asynchronously and the returned job id can be polled with Status;
// otherwise the job runs inline before Send returns.
func (s *Service) Send(ctx context.Context, senderID int64, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	admin, err := s.store.IsAdmin(ctx, senderID)
	if err != nil {
		return "", fmt.Errorf("admin check: %w", err)
	}
	if !admin {
		return "", ErrNotAdmin
	}

	ids, err := s.store.AllUserIDs(ctx)
	if err != nil {
		return "", fmt.Errorf("recipient snapshot: %w", err)
	}

	id := fmt.Sprintf("bc:%d", time.Now().UnixNano())
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Total: len(ids)}
	s.statusMu.Unlock()

	j := job{id: id, targets: ids, text: text}

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.execJob(ctx, j)
		return id, nil
	}
	select {
	case q <- j:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return id, nil
}

// Status reports a snapshot of a job; ok is false for unknown ids.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id)

	s.mu.Lock()
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	text := messagePrefix + j.text
	failed := 0
	for _, target := range j.targets {
		if ctx.Err() != nil {
			break
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				break
			}
		}
		if _, err := ad.SendText(ctx, kit.ChatTarget{ChatID: target}, text, nil); err != nil {
			// Isolate the failure: log and move on to the next recipient.
			failed++
			s.markFail(j.id)
			s.log.Warn("broadcast send failed", logx.String("job", j.id), logx.Int64("chat_id", target), logx.Err(err))
			continue
		}
		s.markDone(j.id)
	}
	st := s.finish(j.id)

	fields := []logx.Field{
		logx.String("job", j.id),
		logx.Int("total", st.Total),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: st})
	}
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markFail(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
	}
}

func (s *Service) finish(id string) JobStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return JobStatus{ID: id}
	}
	st.DoneAt = time.Now()
	st.Running = false
	return *st
}

package reminder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Service runs the minute scan and the delivery worker pool.
type Service struct {
	mu sync.Mutex

	cfg     Config
	store   storage.Store
	adapter kit.Adapter
	clk     clock.Clock
	bus     eventbus.Bus
	log     logx.Logger

	limiter *rate.Limiter

	c     *cron.Cron
	queue chan storage.Reminder
	sup   *rtsup.Supervisor

	// inflight guards against enqueueing a reminder that is already being
	// delivered; with range scans a slow delivery would otherwise be
	// re-picked by the next tick and sent twice.
	fmu      sync.Mutex
	inflight map[int64]struct{}
}

func New(cfg Config, store storage.Store, adapter kit.Adapter, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	s := &Service{
		store:    store,
		adapter:  adapter,
		clk:      clk,
		bus:      bus,
		log:      log,
		inflight: map[int64]struct{}{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Create validates and persists a reminder. The raw time must be a
// "YYYY-MM-DD HH:MM" minute key; past keys are accepted and fire on the
// next scan.
func (s *Service) Create(ctx context.Context, ownerID int64, message, whenRaw string) (int64, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, ErrEmptyMessage
	}
	t, err := clock.ParseMinute(strings.TrimSpace(whenRaw))
	if err != nil {
		return 0, ErrBadTime
	}
	return s.store.CreateReminder(ctx, ownerID, message, clock.MinuteKey(t))
}

// List snapshots the owner's pending reminders.
func (s *Service) List(ctx context.Context, ownerID int64) ([]storage.Reminder, error) {
	return s.store.ListReminders(ctx, ownerID)
}

// Start launches the worker pool and the minute-aligned scan.
// It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}

	// Nothing can be mid-delivery while the pool is down. Ids stranded
	// by a timed-out drain would otherwise make every later scan skip
	// their rows, so the set starts empty.
	s.fmu.Lock()
	s.inflight = map[int64]struct{}{}
	s.fmu.Unlock()

	s.queue = make(chan storage.Reminder, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "reminder"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		q := s.queue
		s.sup.GoRestart("deliver", func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}

	// Ticks fire on minute boundaries and never overlap: a scan that is
	// somehow still running when the next minute arrives skips that firing.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runCtx := s.sup.Context()
	if _, err := c.AddFunc("* * * * *", func() { s.Tick(runCtx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c

	s.log.Info("reminder scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Bool("catch_up", s.cfg.CatchUp),
	)
	return nil
}

// Stop halts the scan and drains in-flight deliveries until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	sup := s.sup
	q := s.queue
	s.c = nil
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	// Stop ticking first so nothing new is enqueued, then let workers drain.
	<-c.Stop().Done()
	if q != nil {
		close(q)
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil {
			sup.Cancel()
		}
	}
	s.log.Info("reminder scheduler stopped")
}

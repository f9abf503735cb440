// Package app wires the config, storage, transport, and service layers
// into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/services/broadcast"
	"remindbot/internal/services/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	bus     eventbus.Bus

	reminders  *reminder.Service
	broadcasts *broadcast.Service
	rt         *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	storeCfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", storeCfg.Driver))
	}

	bus := eventbus.New()

	remCfg, err := mapReminderConfig(cfg.Reminder)
	if err != nil {
		return nil, err
	}
	if store == nil {
		// No storage, nothing to schedule or fan out against.
		remCfg.Enabled = false
	}
	remSvc := reminder.New(remCfg, store, ad, clock.System(), bus,
		log.With(logx.String("comp", "reminder")))

	bcSvc := broadcast.New(mapBroadcastConfig(cfg.Broadcast), store, ad, bus,
		log.With(logx.String("comp", "broadcast")))

	serv := &router.Services{Store: store}
	if store != nil {
		serv.Reminders = remSvc
		serv.Broadcasts = bcSvc
	}
	rt := router.New(log.With(logx.String("comp", "router")), ad, cfgm, serv, cfg.Telegram.AdminUserIDs)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		store:      store,
		adapter:    ad,
		bus:        bus,
		reminders:  remSvc,
		broadcasts: bcSvc,
		rt:         rt,
		updates:    make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Seed stored admin flags from the static config list. EnsureUser
	// leaves an already registered row alone so the seed cannot wipe a
	// profile captured by /start.
	if a.store != nil {
		cfg := a.cfgm.Get()
		for _, id := range cfg.Telegram.AdminUserIDs {
			if err := a.store.EnsureUser(runCtx, id); err != nil {
				a.log.Warn("admin seed upsert failed", logx.Int64("user_id", id), logx.Err(err))
				continue
			}
			if err := a.store.SetAdmin(runCtx, id, true); err != nil {
				a.log.Warn("admin seed failed", logx.Int64("user_id", id), logx.Err(err))
			}
		}
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	if a.store != nil && a.reminders.Enabled() {
		if err := a.reminders.Start(runCtx); err != nil {
			return err
		}
	}
	if a.store != nil {
		a.broadcasts.Start(runCtx)
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	// Observe service events at debug level.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// startConfigReload fans hot-reloaded configs out to the services.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				a.rt.SetAdmins(newCfg.Telegram.AdminUserIDs)

				prevEnabled := a.reminders.Enabled()
				if remCfg, err := mapReminderConfig(newCfg.Reminder); err != nil {
					a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
				} else {
					if a.store == nil {
						remCfg.Enabled = false
					}
					a.reminders.Apply(remCfg)
					if a.store != nil {
						if prevEnabled && !remCfg.Enabled {
							a.log.Info("reminders disabled via config")
							stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
							a.reminders.Stop(stopCtx)
							cancel()
						} else if !prevEnabled && remCfg.Enabled {
							a.log.Info("reminders enabled via config")
							_ = a.reminders.Start(c)
						}
					}
				}

				a.broadcasts.Apply(mapBroadcastConfig(newCfg.Broadcast))

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds each shutdown stage so one component cannot stall the
	// whole stop, while still respecting the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("reminders", 3*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	step("broadcasts", 2*time.Second, func(c context.Context) error { a.broadcasts.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.store != nil {
		step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func validateConfig(cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if s := cfg.Storage; s != nil {
		if _, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if r := cfg.Reminder; r != nil {
		if r.Workers < 0 {
			return fmt.Errorf("reminder.workers must be >= 0")
		}
		if r.QueueSize < 0 {
			return fmt.Errorf("reminder.queue_size must be >= 0")
		}
		if r.RatePerSec < 0 {
			return fmt.Errorf("reminder.rate_per_sec must be >= 0")
		}
		if _, err := config.ParseDurationField("reminder.send_timeout", r.SendTimeout); err != nil {
			return err
		}
	}
	if b := cfg.Broadcast; b != nil {
		if b.Workers < 0 {
			return fmt.Errorf("broadcast.workers must be >= 0")
		}
		if b.RatePerSec < 0 {
			return fmt.Errorf("broadcast.rate_per_sec must be >= 0")
		}
	}
	return nil
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapReminderConfig(rc *config.ReminderConfig) (reminder.Config, error) {
	out := reminder.Config{Enabled: true, CatchUp: true}
	if rc == nil {
		return out, nil
	}
	if rc.Enabled != nil {
		out.Enabled = *rc.Enabled
	}
	if rc.CatchUp != nil {
		out.CatchUp = *rc.CatchUp
	}
	out.Workers = rc.Workers
	out.QueueSize = rc.QueueSize
	out.RatePerSec = rc.RatePerSec
	st, err := config.ParseDurationField("reminder.send_timeout", rc.SendTimeout)
	if err != nil {
		return out, err
	}
	out.SendTimeout = st
	return out, nil
}

func mapBroadcastConfig(bc *config.BroadcastConfig) broadcast.Config {
	if bc == nil {
		return broadcast.Config{}
	}
	return broadcast.Config{Workers: bc.Workers, RatePerSec: bc.RatePerSec}
}

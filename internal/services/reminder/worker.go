package reminder

import (
	"context"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const deliveryPrefix = "⏰ Reminder: "

// Tick runs one due scan: read the clock, truncate to the minute, query
// the store, and hand every match to the delivery pool. Store failures
// abandon the tick; the next one retries.
//
// When the worker pool is not running (direct invocation, e.g. tests),
// matches are delivered inline.
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	catchUp := s.cfg.CatchUp
	q := s.queue
	log := s.log
	s.mu.Unlock()

	minute := clock.MinuteKey(s.clk.Now())

	var (
		due []storage.Reminder
		err error
	)
	if catchUp {
		due, err = s.store.DueBy(ctx, minute)
	} else {
		due, err = s.store.DueAt(ctx, minute)
	}
	if err != nil {
		log.Warn("due scan failed", logx.String("minute", minute), logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	log.Debug("due scan", logx.String("minute", minute), logx.Int("count", len(due)))

	for _, r := range due {
		if !s.markInflight(r.ID) {
			continue
		}
		if q == nil {
			s.deliver(ctx, r)
			continue
		}
		select {
		case q <- r:
		default:
			// The row survives; a later scan re-picks it while it matches.
			s.clearInflight(r.ID)
			log.Warn("delivery queue full, dropping job", logx.Int64("reminder_id", r.ID))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.ReminderDropped, Data: DeliveryEvent{ReminderID: r.ID, OwnerID: r.OwnerID, At: time.Now()}})
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan storage.Reminder) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, r)
		}
	}
}

// deliver makes exactly one send attempt and cleans up the row when the
// attempt completed (success or terminal failure). The attempt strictly
// happens-before the delete.
func (s *Service) deliver(ctx context.Context, r storage.Reminder) {
	defer s.clearInflight(r.ID)

	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	log := s.log
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err := s.adapter.SendText(sendCtx, kit.ChatTarget{ChatID: r.OwnerID}, deliveryPrefix+r.Message, nil)
	cancel()

	switch {
	case err == nil:
		s.finish(ctx, r, true, false, nil)
	case kit.IsTerminal(err):
		// Won't succeed on retry; stop trying but drop the row so the
		// scan doesn't chew on it forever.
		log.Warn("reminder undeliverable", logx.Int64("reminder_id", r.ID), logx.Int64("owner_id", r.OwnerID), logx.Err(err))
		s.finish(ctx, r, false, true, err)
	default:
		// Transient: keep the row for a future matching scan.
		log.Warn("reminder delivery failed", logx.Int64("reminder_id", r.ID), logx.Int64("owner_id", r.OwnerID), logx.Err(err))
		if s.bus != nil {
			ev := DeliveryEvent{ReminderID: r.ID, OwnerID: r.OwnerID, At: time.Now(), Error: err.Error()}
			s.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Data: ev})
		}
	}
}

func (s *Service) finish(ctx context.Context, r storage.Reminder, delivered, terminal bool, sendErr error) {
	if err := s.store.DeleteReminder(ctx, r.ID); err != nil {
		// The row stays; the next scan re-attempts and the idempotent
		// delete cleans up then. Duplicate delivery is the accepted cost.
		s.log.Warn("reminder cleanup failed", logx.Int64("reminder_id", r.ID), logx.Err(err))
	}
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{ReminderID: r.ID, OwnerID: r.OwnerID, At: time.Now(), Terminal: terminal}
	if sendErr != nil {
		ev.Error = sendErr.Error()
	}
	typ := eventbus.ReminderDelivered
	if !delivered {
		typ = eventbus.ReminderFailed
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) markInflight(id int64) bool {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) clearInflight(id int64) {
	s.fmu.Lock()
	delete(s.inflight, id)
	s.fmu.Unlock()
}

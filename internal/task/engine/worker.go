package engine

import (
	"context"
	"runtime/debug"
	"time"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		if ctx.Err() != nil {
			return
		}

		it, ok := s.queue.Take(ctx.Done())
		if !ok {
			return
		}
		if ctx.Err() != nil {
			// Shutdown raced the take; the item stays QUEUED.
			s.queue.Requeue(it)
			return
		}

		if wait := time.Until(it.Due); wait > 0 {
			// Not due yet: put it back and nap. A new submission may be more urgent.
			changed := s.queue.Changed()
			s.queue.Requeue(it)
			if wait > s.cfg.PollInterval {
				wait = s.cfg.PollInterval
			}
			tmr := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-changed:
				tmr.Stop()
			case <-tmr.C:
			}
			continue
		}

		s.execute(ctx, log, idx, it)
	}
}

func (s *Service) execute(ctx context.Context, log logx.Logger, idx int, it Item) {
	start := time.Now()
	queueDelay := start.Sub(it.Due)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.registry.Started(it.ID)
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	log.Debug("task.started", logx.String("task", it.Name), logx.String("id", it.ID.String()), logx.String("priority", it.Priority.String()), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, start, TaskEvent{ID: it.ID, Name: it.Name, Priority: it.Priority, Status: StatusRunning, Due: it.Due, Started: start, QueueDelay: queueDelay, Worker: idx})

	err := s.runBody(ctx, log, it)

	finish := time.Now()
	dur := finish.Sub(start)
	ev := TaskEvent{ID: it.ID, Name: it.Name, Priority: it.Priority, Due: it.Due, Started: start, Finished: finish, QueueDelay: queueDelay, Duration: dur, Worker: idx}
	if err != nil {
		s.registry.Failed(it.ID, err)
		ev.Status = StatusFailed
		ev.Error = err.Error()
		log.Warn("task.failed", logx.String("task", it.Name), logx.String("id", it.ID.String()), logx.Err(err), logx.Duration("dur", dur))
		s.publish(EventFailed, finish, ev)
		return
	}

	s.registry.Succeeded(it.ID)
	ev.Status = StatusSucceeded
	log.Debug("task.completed", logx.String("task", it.Name), logx.String("id", it.ID.String()), logx.Duration("dur", dur))
	s.publish(EventSucceeded, finish, ev)
}

// runBody converts a panicking body into a *PanicError so the worker survives.
func (s *Service) runBody(ctx context.Context, log logx.Logger, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
			log.Error("task.panic", logx.String("task", it.Name), logx.String("id", it.ID.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return it.Run(ctx)
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

package storage

import (
	"context"
	"sync/atomic"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const (
	appendTimeout  = 2 * time.Second
	recorderBuffer = 1024
)

// Recorder appends terminal task outcomes from the event bus to a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	written atomic.Uint64
	errors  atomic.Uint64
}

type RecorderStats struct {
	Written uint64 `json:"written"`
	Errors  uint64 `json:"errors"`
}

// NewRecorder subscribes right away, so outcomes published before Run starts
// are buffered rather than lost.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	r := &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "recorder"))}
	if store != nil && bus != nil {
		r.events, r.unsub = bus.Subscribe(recorderBuffer)
	}
	return r
}

// Run consumes bus events until ctx ends. It unsubscribes on return.
func (r *Recorder) Run(ctx context.Context) error {
	if r.events == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	defer r.unsub()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

// drain records whatever is already buffered so outcomes published just
// before shutdown still reach the store.
func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	if e.Type != engine.EventSucceeded && e.Type != engine.EventFailed {
		return
	}
	if ev, ok := e.Data.(engine.TaskEvent); ok {
		r.record(ctx, ev)
	}
}

func (r *Recorder) record(ctx context.Context, ev engine.TaskEvent) {
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := r.store.AppendOutcome(actx, OutcomeFromEvent(ev)); err != nil {
		r.errors.Add(1)
		r.log.Warn("outcome append failed", logx.String("task", ev.Name), logx.String("id", ev.ID.String()), logx.Err(err))
		return
	}
	r.written.Add(1)
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{Written: r.written.Load(), Errors: r.errors.Load()}
}

// OutcomeFromEvent flattens a terminal engine event into a journal record.
func OutcomeFromEvent(ev engine.TaskEvent) Outcome {
	return Outcome{
		TaskID:       ev.ID.String(),
		Name:         ev.Name,
		Priority:     ev.Priority.String(),
		Status:       ev.Status.String(),
		Due:          ev.Due,
		StartedAt:    ev.Started,
		FinishedAt:   ev.Finished,
		QueueDelayMS: ev.QueueDelay.Milliseconds(),
		DurationMS:   ev.Duration.Milliseconds(),
		Worker:       ev.Worker,
		Error:        ev.Error,
	}
}

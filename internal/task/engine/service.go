package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

const monitorStopTimeout = 5 * time.Second

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    *Queue
	registry *Registry
	monitor  Monitor

	mu     sync.Mutex
	state  atomic.Int32
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	inFlight  atomic.Int32
	submitted atomic.Uint64
}

type Option func(*Service)

// WithMonitor attaches a collaborator that is started with the engine and
// stopped asynchronously on Shutdown.
func WithMonitor(m Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

// New validates cfg and builds an engine in StateCreated. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be > 0, got %d", ErrInvalidConfig, cfg.Workers)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RegistryMaxEntries < 0 {
		cfg.RegistryMaxEntries = 0
	}
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "taskengine")),
		bus:      bus,
		queue:    NewQueue(),
		registry: NewRegistry(cfg.RegistryMaxEntries),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func (s *Service) Config() Config      { return s.cfg }
func (s *Service) State() State        { return State(s.state.Load()) }
func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) QueueLen() int       { return s.queue.Len() }

// Done is closed once Shutdown has been requested.
func (s *Service) Done() <-chan struct{} { return s.stopCh }

// Supervisor returns the engine's supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start spawns the worker loops and attaches the monitor. It is idempotent;
// after Shutdown it returns ErrShutdown.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.State() {
	case StateStarted:
		s.mu.Unlock()
		return nil
	case StateShuttingDown:
		s.mu.Unlock()
		return ErrShutdown
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.state.Store(int32(StateStarted))
	s.mu.Unlock()

	for i := 1; i <= s.cfg.Workers; i++ {
		idx := i
		// Restart workers if they panic or exit unexpectedly.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, idx)
			if c.Err() != nil {
				return context.Canceled
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Duration("poll_interval", s.cfg.PollInterval), logx.Int("registry_max_entries", s.cfg.RegistryMaxEntries))

	if s.monitor != nil {
		if err := s.monitor.Start(sup.Context(), engineSource{s}); err != nil {
			s.log.Warn("monitor start failed", logx.Err(err))
			return fmt.Errorf("start monitor: %w", err)
		}
	}
	return nil
}

// Submit schedules body to run no earlier than delay from now. Negative delays
// run immediately. Submit never blocks and is accepted in every state; items
// submitted after Shutdown stay QUEUED.
func (s *Service) Submit(name string, prio Priority, body Body, delay time.Duration) (TaskID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: task name is required", ErrInvalidArgument)
	}
	if !prio.Valid() {
		return "", fmt.Errorf("%w: invalid priority %d", ErrInvalidArgument, int(prio))
	}
	if body == nil {
		return "", fmt.Errorf("%w: task body is nil", ErrInvalidArgument)
	}
	if delay < 0 {
		delay = 0
	}

	now := time.Now()
	it := Item{
		ID:       NewTaskID(),
		Name:     name,
		Priority: prio,
		Due:      now.Add(delay),
		Seq:      nextSeq(),
		Run:      body,
	}
	s.registry.Queued(it.ID, it.Name, it.Priority)
	s.queue.Push(it)
	s.submitted.Add(1)

	s.log.Debug("task.queued", logx.String("task", it.Name), logx.String("id", it.ID.String()), logx.String("priority", prio.String()), logx.Duration("delay", delay), logx.Uint64("seq", it.Seq))
	s.publish(EventQueued, now, TaskEvent{ID: it.ID, Name: it.Name, Priority: it.Priority, Status: StatusQueued, Due: it.Due})
	return it.ID, nil
}

// Shutdown requests the workers to stop and returns immediately. Bodies
// already running finish and are recorded. Safe to call more than once.
func (s *Service) Shutdown() {
	s.mu.Lock()
	prev := s.State()
	if prev == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateShuttingDown))
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	if s.monitor != nil && prev == StateStarted {
		mon := s.monitor
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), monitorStopTimeout)
			defer cancel()
			mon.Stop(ctx)
		}()
	}
	s.log.Info("task engine shutdown requested", logx.Int("queued", s.queue.Len()), logx.Int("in_flight", int(s.inFlight.Load())))
}

// Wait blocks until every worker loop has exited or ctx ends. It returns nil
// right away when the engine was never started.
func (s *Service) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sup := s.Supervisor()
	if sup == nil {
		return nil
	}
	return sup.Wait(ctx)
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		State:        s.State().String(),
		Workers:      s.cfg.Workers,
		PollInterval: s.cfg.PollInterval,
		QueueLen:     s.queue.Len(),
		InFlight:     int(s.inFlight.Load()),
		Tracked:      s.registry.Len(),
		Submitted:    s.submitted.Load(),
		Completed:    s.registry.CompletedCount(),
		Failed:       s.registry.FailedCount(),
	}
	if sup := s.Supervisor(); sup != nil {
		snap.Supervisor = sup.Counters()
	}
	return snap
}

// engineSource is the read-only view handed to the monitor.
type engineSource struct{ s *Service }

func (e engineSource) QueueLen() int            { return e.s.queue.Len() }
func (e engineSource) CompletedCount() uint64   { return e.s.registry.CompletedCount() }
func (e engineSource) FailedCount() uint64      { return e.s.registry.FailedCount() }
func (e engineSource) Recent(limit int) []Entry { return e.s.registry.Recent(limit) }

package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const (
	submitWarnThrottle = 5 * time.Second
	stopOnDoneTimeout  = 5 * time.Second
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether schedule would be accepted by Add and returns its
// normalized cron spec.
func Validate(schedule string) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	spec := ps.Spec()
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(spec); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
		}
	}
	return spec, nil
}

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "trigger")),
		sub:         sub,
		parser:      cronParser,
		lastSubWarn: map[string]time.Time{},
	}
}

// Add registers (or replaces, by name) a schedule that submits body with the
// given priority and delay on every tick. Schedules added before Start are
// registered when Start runs.
func (s *Service) Add(name, schedule string, prio engine.Priority, delay time.Duration, body engine.Body) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidSchedule)
	}
	if !prio.Valid() {
		return fmt.Errorf("%w: invalid priority %d", ErrInvalidSchedule, int(prio))
	}
	if body == nil {
		return fmt.Errorf("%w: body required", ErrInvalidSchedule)
	}
	spec, err := Validate(schedule)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, priority: prio, delay: delay, body: body}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	s.registerLocked(d)
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.String("priority", prio.String()), logx.Duration("delay", delay))
	return nil
}

// Remove unschedules name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = s.defs[:n]
	return removed
}

// Start starts cron triggering. It is idempotent. Triggering stops when ctx
// ends, the same as calling Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.runDone = make(chan struct{})
	go s.stopOnDone(ctx, s.c, s.runDone)
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) stopOnDone(ctx context.Context, c *cron.Cron, runDone <-chan struct{}) {
	select {
	case <-runDone:
		return
	case <-ctx.Done():
	}
	s.mu.Lock()
	current := s.c == c
	s.mu.Unlock()
	if !current {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopOnDoneTimeout)
	defer cancel()
	s.Stop(stopCtx)
}

// Stop stops triggering and waits for running tick callbacks or ctx.
// Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.runDone != nil {
		close(s.runDone)
		s.runDone = nil
	}
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String(), Schedules: make([]ScheduleInfo, 0, len(s.defs))}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Priority: d.priority.String(), Delay: d.delay, Fired: d.fired.Load()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.lastMu.Lock()
		it.LastID = d.lastID
		it.LastErr = d.lastErr
		d.lastMu.Unlock()
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}

// registerLocked adds d to the running cron. Call with s.mu held.
func (s *Service) registerLocked(d *scheduleDef) {
	job := cron.FuncJob(func() { s.fire(d) })

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			d.entryID = s.c.Schedule(intervalSchedule(dur, s.cfg.StartupSpread, time.Now().In(s.loc), d.name), job)
			return
		}
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
}

func (s *Service) fire(d *scheduleDef) {
	if s.sub == nil {
		return
	}
	d.fired.Add(1)
	id, err := s.sub.Submit(d.name, d.priority, d.body, d.delay)

	d.lastMu.Lock()
	d.lastID = id
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.lastMu.Unlock()

	if err != nil {
		s.reportSubmitError(d.name, err)
		return
	}
	s.log.Trace("schedule fired", logx.String("name", d.name), logx.String("id", id.String()))
}

func (s *Service) reportSubmitError(name string, err error) {
	now := time.Now()
	s.subMu.Lock()
	last := s.lastSubWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.subMu.Unlock()
		return
	}
	s.lastSubWarn[name] = now
	s.subMu.Unlock()

	s.log.Warn("schedule failed to submit task", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

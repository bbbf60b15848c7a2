package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskd/internal/config"
	"taskd/internal/demo"
	"taskd/internal/eventbus"
	"taskd/internal/observability/monitor"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopRunFor     StopReason = "run_for_elapsed"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *storage.Recorder

	engine  *engine.Service
	monitor *monitor.Service
	trigger *trigger.Service

	load        *demo.Load
	demoEnabled bool
	schedules   []demoSchedule

	notify notifyFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		store    storage.Store
		recorder *storage.Recorder
	)
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		recorder = storage.NewRecorder(st, bus, root)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	mc, _ := mapMonitorConfig(cfg)
	mon := monitor.New(mc, root)

	ec, _ := mapEngineConfig(cfg)
	eng, err := engine.New(ec, root, bus, engine.WithMonitor(mon))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	tc, _ := mapTriggerConfig(cfg)
	trig := trigger.New(tc, eng, root)

	dc, scheds, _ := mapDemoConfig(cfg)
	load := demo.New(dc, eng, root)

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		recorder:    recorder,
		engine:      eng,
		monitor:     mon,
		trigger:     trig,
		load:        load,
		demoEnabled: cfg.Demo.Enabled,
		schedules:   scheds,
		notify:      sdNotify,
	}
	mon.SetState(a.debugState)
	return a, nil
}

func (a *App) Engine() *engine.Service   { return a.engine }
func (a *App) Monitor() *monitor.Service { return a.monitor }
func (a *App) Store() storage.Store      { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}

	// Trace level: every task produces several events.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.engine.Start(a.sup.Context()); err != nil {
		if errors.Is(err, engine.ErrShutdown) {
			return err
		}
		// The monitor is optional; the engine keeps running without it.
		a.log.Warn("engine started without monitor", logx.Err(err))
	}

	for _, sc := range a.schedules {
		if err := a.trigger.Add(sc.name, sc.spec, sc.priority, sc.delay, a.load.Body(sc.name)); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.name, err)
		}
	}
	if len(a.schedules) > 0 {
		a.trigger.Start(a.sup.Context())
	}

	if a.demoEnabled {
		a.sup.Go("demo.load", func(c context.Context) error {
			res, err := a.load.Run(c)
			a.log.Info("demo load submitted", logx.Int("tasks", len(res.IDs)), logx.Int("refused", res.Failed))
			if err != nil && c.Err() == nil {
				return err
			}
			return nil
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.notifyState(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("workers", a.engine.Config().Workers),
		logx.Duration("poll_interval", a.engine.Config().PollInterval),
		logx.String("monitor_addr", a.monitor.Addr()),
	)
	return nil
}

// reloadLoop applies the live parts of each committed config. Sections that
// cannot change at runtime are only reported.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
		for drained := false; !drained; {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				drained = true
			}
		}

		sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}

		a.logs.Apply(mapLogConfig(newCfg))

		if mc, err := mapMonitorConfig(newCfg); err != nil {
			a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
		} else if err := a.monitor.Reconfigure(ctx, mc); err != nil {
			a.log.Warn("monitor reconfigure failed", logx.Err(err))
		}

		if len(restart) > 0 {
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("sections", strings.Join(restart, ",")))
		}
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyState(daemon.SdNotifyStopping)

	// Stop producers before the engine so nothing new lands in the queue.
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error {
		a.engine.Shutdown()
		return a.engine.Wait(c)
	})
	a.step(ctx, "monitor", time.Second, func(c context.Context) error { a.monitor.Stop(c); return nil })

	a.sup.Cancel()
	// Wait for supervised goroutines (recorder, config watch/reload, demo) before closing storage.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.engine.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("submitted", snap.Submitted),
		logx.Uint64("completed", snap.Completed),
		logx.Uint64("failed", snap.Failed),
		logx.Int("queued", snap.QueueLen),
		logx.Int64("goroutines_active", a.sup.Counters().Active),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

package demo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

var ErrSimulatedFailure = errors.New("random failure")

const (
	DefaultTasks       = 10
	DefaultMaxDelay    = 2 * time.Second
	DefaultFailureRate = 0.1
	DefaultMinSleep    = 200 * time.Millisecond
	DefaultMaxSleep    = 600 * time.Millisecond
)

// Submitter is the engine surface the demo needs.
type Submitter interface {
	Submit(name string, prio engine.Priority, body engine.Body, delay time.Duration) (engine.TaskID, error)
}

type Config struct {
	Tasks       int
	MaxDelay    time.Duration // delays are drawn from [0, MaxDelay)
	FailureRate float64       // probability in [0, 1]
	MinSleep    time.Duration
	MaxSleep    time.Duration

	// RatePerSec paces submissions. 0 submits as fast as possible.
	RatePerSec float64
	Burst      int
}

func DefaultConfig() Config {
	return Config{
		Tasks:       DefaultTasks,
		MaxDelay:    DefaultMaxDelay,
		FailureRate: DefaultFailureRate,
		MinSleep:    DefaultMinSleep,
		MaxSleep:    DefaultMaxSleep,
	}
}

type Load struct {
	cfg Config
	sub Submitter
	log logx.Logger

	// overridable in tests
	randFloat  func() float64
	randInt64N func(n int64) int64
}

// Result lists what Run submitted, in submission order.
type Result struct {
	IDs    []engine.TaskID
	Failed int // submissions the engine refused
}

func New(cfg Config, sub Submitter, log logx.Logger) *Load {
	if cfg.MaxSleep < cfg.MinSleep {
		cfg.MaxSleep = cfg.MinSleep
	}
	cfg.FailureRate = min(max(cfg.FailureRate, 0), 1)
	return &Load{
		cfg:        cfg,
		sub:        sub,
		log:        log.With(logx.String("comp", "demo")),
		randFloat:  rand.Float64,
		randInt64N: rand.Int64N,
	}
}

// PriorityFor maps a 1-based task index to a priority: every third task is
// HIGH, the one after it MEDIUM, the rest LOW.
func PriorityFor(i int) engine.Priority {
	switch i % 3 {
	case 0:
		return engine.PriorityHigh
	case 1:
		return engine.PriorityMedium
	default:
		return engine.PriorityLow
	}
}

// Run submits cfg.Tasks tasks named "DemoTask-<i>". It stops early when ctx
// ends, returning what was submitted so far together with ctx's error.
func (l *Load) Run(ctx context.Context) (Result, error) {
	lim := l.limiter()
	res := Result{IDs: make([]engine.TaskID, 0, l.cfg.Tasks)}
	l.log.Debug("demo.start",
		logx.Int("tasks", l.cfg.Tasks),
		logx.Duration("max_delay", l.cfg.MaxDelay),
		logx.Float64("failure_rate", l.cfg.FailureRate),
	)

	for i := 1; i <= l.cfg.Tasks; i++ {
		if err := lim.Wait(ctx); err != nil {
			return res, err
		}

		name := fmt.Sprintf("DemoTask-%d", i)
		prio := PriorityFor(i)
		delay := l.between(0, l.cfg.MaxDelay)

		id, err := l.sub.Submit(name, prio, l.Body(name), delay)
		if err != nil {
			res.Failed++
			l.log.Warn("demo.submit_failed", logx.String("name", name), logx.Err(err))
			continue
		}
		res.IDs = append(res.IDs, id)
		l.log.Info("demo.submitted",
			logx.String("id", id.String()),
			logx.String("name", name),
			logx.String("priority", prio.String()),
			logx.Duration("delay", delay),
		)
	}
	return res, nil
}

// Body returns the simulated work for a task: a random sleep, then a failure
// with probability FailureRate. The sleep ends early when ctx is canceled.
func (l *Load) Body(name string) engine.Body {
	return func(ctx context.Context) error {
		work := l.between(l.cfg.MinSleep, l.cfg.MaxSleep)
		t := time.NewTimer(work)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		if l.randFloat() < l.cfg.FailureRate {
			return fmt.Errorf("%s: %w", name, ErrSimulatedFailure)
		}
		l.log.Info("demo.work_done", logx.String("name", name), logx.Duration("took", work))
		return nil
	}
}

func (l *Load) limiter() *rate.Limiter {
	if l.cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.cfg.RatePerSec), burst)
}

// between draws a duration from [lo, hi). Equal bounds return lo.
func (l *Load) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.randInt64N(int64(hi-lo)))
}

package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

type submission struct {
	name  string
	prio  engine.Priority
	delay time.Duration
}

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []submission
	fail map[string]bool
}

func (f *fakeSubmitter) Submit(name string, prio engine.Priority, body engine.Body, delay time.Duration) (engine.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[name] {
		return "", engine.ErrInvalidArgument
	}
	f.got = append(f.got, submission{name: name, prio: prio, delay: delay})
	return engine.TaskID(fmt.Sprintf("id-%d", len(f.got))), nil
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		i    int
		want engine.Priority
	}{
		{1, engine.PriorityMedium},
		{2, engine.PriorityLow},
		{3, engine.PriorityHigh},
		{4, engine.PriorityMedium},
		{9, engine.PriorityHigh},
		{10, engine.PriorityMedium},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.i); got != tt.want {
			t.Errorf("PriorityFor(%d) = %v, want %v", tt.i, got, tt.want)
		}
	}
}

func TestRunSubmitsEveryTask(t *testing.T) {
	sub := &fakeSubmitter{}
	cfg := DefaultConfig()
	l := New(cfg, sub, logx.Nop())

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.IDs) != DefaultTasks || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	for i, s := range sub.got {
		if want := fmt.Sprintf("DemoTask-%d", i+1); s.name != want {
			t.Errorf("submission %d name = %q, want %q", i, s.name, want)
		}
		if s.prio != PriorityFor(i+1) {
			t.Errorf("%s priority = %v", s.name, s.prio)
		}
		if s.delay < 0 || s.delay >= cfg.MaxDelay {
			t.Errorf("%s delay %v outside [0, %v)", s.name, s.delay, cfg.MaxDelay)
		}
	}
}

func TestRunCountsRefusedSubmissions(t *testing.T) {
	sub := &fakeSubmitter{fail: map[string]bool{"DemoTask-2": true}}
	l := New(Config{Tasks: 3}, sub, logx.Nop())

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.IDs) != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunIsPaced(t *testing.T) {
	sub := &fakeSubmitter{}
	l := New(Config{Tasks: 5, RatePerSec: 20, Burst: 1}, sub, logx.Nop())

	start := time.Now()
	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// 5 tokens at 20/s with burst 1: the first is free, four more take ~200ms.
	if took := time.Since(start); took < 150*time.Millisecond {
		t.Fatalf("Run() took %v, want pacing", took)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sub := &fakeSubmitter{}
	l := New(Config{Tasks: 100, RatePerSec: 1, Burst: 1}, sub, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := l.Run(ctx)
	if err == nil {
		t.Fatal("expected ctx error")
	}
	if len(res.IDs) >= 100 {
		t.Fatalf("submitted %d tasks despite cancel", len(res.IDs))
	}
}

func TestBodyOutcome(t *testing.T) {
	fast := Config{MinSleep: time.Millisecond, MaxSleep: 2 * time.Millisecond}

	always := fast
	always.FailureRate = 1
	err := New(always, &fakeSubmitter{}, logx.Nop()).Body("x")(context.Background())
	if !errors.Is(err, ErrSimulatedFailure) {
		t.Fatalf("FailureRate=1 body error = %v", err)
	}

	never := fast
	if err := New(never, &fakeSubmitter{}, logx.Nop()).Body("x")(context.Background()); err != nil {
		t.Fatalf("FailureRate=0 body error = %v", err)
	}
}

func TestBodyHonorsCancel(t *testing.T) {
	l := New(Config{MinSleep: time.Minute, MaxSleep: time.Minute}, &fakeSubmitter{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Body("x")(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("body error = %v, want context.Canceled", err)
	}
}

func TestBodySleepWithinBounds(t *testing.T) {
	l := New(Config{MinSleep: 20 * time.Millisecond, MaxSleep: 40 * time.Millisecond}, &fakeSubmitter{}, logx.Nop())
	start := time.Now()
	if err := l.Body("x")(context.Background()); err != nil {
		t.Fatalf("body error = %v", err)
	}
	if took := time.Since(start); took < 20*time.Millisecond {
		t.Fatalf("body slept %v, want >= 20ms", took)
	}
}

func TestRunAgainstEngine(t *testing.T) {
	g := NewWithT(t)

	eng, err := engine.New(engine.Config{Workers: 3, PollInterval: 10 * time.Millisecond}, logx.Nop(), eventbus.New())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(eng.Start(context.Background())).To(Succeed())
	t.Cleanup(eng.Shutdown)

	cfg := Config{
		Tasks:       6,
		MaxDelay:    100 * time.Millisecond,
		FailureRate: 0.5,
		MinSleep:    5 * time.Millisecond,
		MaxSleep:    10 * time.Millisecond,
	}
	res, err := New(cfg, eng, logx.Nop()).Run(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.IDs).To(HaveLen(6))

	reg := eng.Registry()
	g.Eventually(func() uint64 {
		return reg.CompletedCount() + reg.FailedCount()
	}, 3*time.Second, 20*time.Millisecond).Should(Equal(uint64(6)))
}

package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

type submitCall struct {
	name  string
	prio  engine.Priority
	delay time.Duration
}

func (f *fakeSubmitter) Submit(name string, prio engine.Priority, body engine.Body, delay time.Duration) (engine.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submitCall{name: name, prio: prio, delay: delay})
	if f.err != nil {
		return "", f.err
	}
	return engine.NewTaskID(), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func noop(context.Context) error { return nil }

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		kind     SpecKind
		spec     string
		wantErr  bool
		wantFrom string
	}{
		{in: "*/5 * * * *", kind: SpecCron, spec: "*/5 * * * *", wantFrom: "cron"},
		{in: "@every 2s", kind: SpecCron, spec: "@every 2s", wantFrom: "cron"},
		{in: "cron:@hourly", kind: SpecCron, spec: "@hourly", wantFrom: "cron"},
		{in: "90s", kind: SpecInterval, spec: "@every 1m30s", wantFrom: "duration"},
		{in: "02:30", kind: SpecInterval, spec: "@every 2h30m0s", wantFrom: "hhmm"},
		{in: "every:1500ms", kind: SpecInterval, spec: "@every 1.5s", wantFrom: "duration"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("ParseSchedule(%q) err = %v, want ErrInvalidSchedule", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Spec() != tc.spec || got.Source != tc.wantFrom {
			t.Fatalf("ParseSchedule(%q) = %+v (spec %q)", tc.in, got, got.Spec())
		}
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSubmitter{}, logx.Nop())
	cases := []struct {
		name  string
		sched string
		prio  engine.Priority
		body  engine.Body
	}{
		{name: "", sched: "@every 1s", prio: engine.PriorityLow, body: noop},
		{name: "x", sched: "@every 1s", prio: 0, body: noop},
		{name: "x", sched: "@every 1s", prio: engine.PriorityLow, body: nil},
		{name: "x", sched: "61 * * * *", prio: engine.PriorityLow, body: noop},
		{name: "x", sched: "nonsense", prio: engine.PriorityLow, body: noop},
	}
	for i, tc := range cases {
		if err := s.Add(tc.name, tc.sched, tc.prio, 0, tc.body); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("case %d: err = %v, want ErrInvalidSchedule", i, err)
		}
	}
	if got := len(s.Snapshot().Schedules); got != 0 {
		t.Fatalf("invalid schedules were registered: %d", got)
	}
}

func TestAddUpsertsAndRemove(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSubmitter{}, logx.Nop())
	if err := s.Add("job", "@every 1m", engine.PriorityLow, 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("job", "@hourly", engine.PriorityHigh, time.Second, noop); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@hourly" || snap.Schedules[0].Priority != "HIGH" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !s.Remove("job") || s.Remove("job") {
		t.Fatal("Remove should report true once")
	}
}

func TestTicksSubmitIntoEngine(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	sub := &fakeSubmitter{}
	s := New(Config{}, sub, logx.Nop())
	g.Expect(s.Add("tick", "@every 1s", engine.PriorityMedium, 250*time.Millisecond, noop)).To(Succeed())

	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	snap := s.Snapshot()
	g.Expect(snap.Running).To(BeTrue())
	g.Expect(snap.Schedules).To(HaveLen(1))
	g.Eventually(func() bool { return s.Snapshot().Schedules[0].Next.IsZero() }, time.Second, 20*time.Millisecond).Should(BeFalse())

	g.Eventually(sub.count, 3*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))
	sub.mu.Lock()
	first := sub.calls[0]
	sub.mu.Unlock()
	g.Expect(first).To(Equal(submitCall{name: "tick", prio: engine.PriorityMedium, delay: 250 * time.Millisecond}))
	g.Eventually(func() uint64 { return s.Snapshot().Schedules[0].Fired }, time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))
}

func TestSubmitErrorIsRecorded(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	sub := &fakeSubmitter{err: errors.New("engine says no")}
	s := New(Config{}, sub, logx.Nop())
	g.Expect(s.Add("bad", "@every 1s", engine.PriorityLow, 0, noop)).To(Succeed())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	g.Eventually(func() string { return s.Snapshot().Schedules[0].LastErr }, 3*time.Second, 50*time.Millisecond).Should(Equal("engine says no"))
}

func TestStartStopsWhenContextEnds(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	s := New(Config{}, &fakeSubmitter{}, logx.Nop())
	g.Expect(s.Add("tick", "@every 1s", engine.PriorityLow, 0, noop)).To(Succeed())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	g.Expect(s.Snapshot().Running).To(BeTrue())

	cancel()
	g.Eventually(func() bool { return s.Snapshot().Running }, 2*time.Second, 20*time.Millisecond).Should(BeFalse())
	g.Expect(s.Snapshot().Schedules).To(HaveLen(1))

	// A fresh Start after the context-driven stop runs again.
	s.Start(context.Background())
	defer s.Stop(context.Background())
	g.Expect(s.Snapshot().Running).To(BeTrue())
}

func TestStopKeepsDefinitions(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "UTC"}, &fakeSubmitter{}, logx.Nop())
	s.Start(context.Background())
	if err := s.Add("late", "*/10 * * * * *", engine.PriorityLow, 0, noop); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())

	snap := s.Snapshot()
	if snap.Running || len(snap.Schedules) != 1 || !snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot after Stop = %+v", snap)
	}
	if snap.Timezone != "UTC" {
		t.Fatalf("Timezone = %q", snap.Timezone)
	}
}

func TestIntervalScheduleSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	plain := intervalSchedule(time.Minute, 0, now, "a")
	if next := plain.Next(now); !next.Equal(now.Add(time.Minute)) {
		t.Fatalf("Next without spread = %s", next)
	}

	spread := intervalSchedule(time.Minute, 10*time.Second, now, "b")
	first := spread.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(time.Minute+10*time.Second)) {
		t.Fatalf("first run %s outside spread window", first)
	}
	// Later runs fall back to the plain interval.
	if second := spread.Next(first); !second.After(first.Add(59*time.Second)) || second.After(first.Add(time.Minute)) {
		t.Fatalf("second run = %s, want about %s", second, first.Add(time.Minute))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		in       string
		wantSpec string
		wantErr  bool
	}{
		{in: "@every 2s", wantSpec: "@every 2s"},
		{in: "every:90s", wantSpec: "@every 1m30s"},
		{in: "*/5 * * * * *", wantSpec: "*/5 * * * * *"},
		{in: "0 61 * * *", wantErr: true},
		{in: "@fortnightly", wantErr: true},
		{in: "whenever", wantErr: true},
	}
	for _, tc := range tests {
		spec, err := Validate(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidSchedule) {
				t.Errorf("Validate(%q) err = %v, want ErrInvalidSchedule", tc.in, err)
			}
			continue
		}
		if err != nil || spec != tc.wantSpec {
			t.Errorf("Validate(%q) = %q, %v; want %q", tc.in, spec, err, tc.wantSpec)
		}
	}
}

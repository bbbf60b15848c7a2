package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func sampleOutcome(i int) Outcome {
	at := time.UnixMilli(1_700_000_000_000 + int64(i)*1000)
	o := Outcome{
		TaskID:       fmt.Sprintf("id-%d", i),
		Name:         fmt.Sprintf("task-%d", i),
		Priority:     "HIGH",
		Status:       "SUCCEEDED",
		Due:          at,
		StartedAt:    at.Add(5 * time.Millisecond),
		FinishedAt:   at.Add(25 * time.Millisecond),
		QueueDelayMS: 5,
		DurationMS:   20,
		Worker:       1,
	}
	if i%2 == 1 {
		o.Status = "FAILED"
		o.Error = "boom"
	}
	return o
}

func TestStores(t *testing.T) {
	t.Parallel()

	drivers := []struct {
		driver string
		file   string
	}{
		{"file", "journal.json"},
		{"sqlite", "journal.db"},
	}
	for _, d := range drivers {
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			st, err := Open(Config{Driver: d.driver, Path: filepath.Join(t.TempDir(), d.file)}, logx.Nop())
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })

			if got, err := st.RecentOutcomes(ctx, 10); err != nil || len(got) != 0 {
				t.Fatalf("empty store RecentOutcomes = %v, %v", got, err)
			}

			for i := 0; i < 5; i++ {
				if err := st.AppendOutcome(ctx, sampleOutcome(i)); err != nil {
					t.Fatalf("AppendOutcome(%d) error: %v", i, err)
				}
			}

			got, err := st.RecentOutcomes(ctx, 3)
			if err != nil {
				t.Fatalf("RecentOutcomes() error: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("RecentOutcomes(3) returned %d", len(got))
			}
			for i, want := range []int{4, 3, 2} {
				w := sampleOutcome(want)
				g := got[i]
				if g.TaskID != w.TaskID || g.Status != w.Status || g.Error != w.Error || g.DurationMS != w.DurationMS {
					t.Fatalf("RecentOutcomes[%d] = %+v, want %+v", i, g, w)
				}
				if !g.FinishedAt.Equal(w.FinishedAt) || !g.StartedAt.Equal(w.StartedAt) || !g.Due.Equal(w.Due) {
					t.Fatalf("RecentOutcomes[%d] times = %v/%v/%v", i, g.Due, g.StartedAt, g.FinishedAt)
				}
			}

			all, err := st.RecentOutcomes(ctx, 100)
			if err != nil || len(all) != 5 {
				t.Fatalf("RecentOutcomes(100) = %d, %v", len(all), err)
			}
		})
	}
}

func TestSQLitePrunesToMaxRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "p.db"), MaxRows: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer st.Close()
	ss := st.(*sqliteStore)
	ss.pruneEvery = 5

	for i := 0; i < 25; i++ {
		if err := st.AppendOutcome(ctx, sampleOutcome(i)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.RecentOutcomes(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 || got[0].TaskID != "id-24" {
		t.Fatalf("after prune: %d rows, newest %v", len(got), got[0].TaskID)
	}
}

func TestRecorderAppendsTerminalOutcomes(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "rec.json")}, logx.Nop())
	g.Expect(err).NotTo(HaveOccurred())
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	eng, err := engine.New(engine.Config{Workers: 1}, logx.Nop(), bus)
	g.Expect(err).NotTo(HaveOccurred())
	defer eng.Shutdown()

	// Give the recorder a moment to subscribe before events flow.
	time.Sleep(20 * time.Millisecond)
	g.Expect(eng.Start(context.Background())).To(Succeed())
	okID, _ := eng.Submit("ok", engine.PriorityHigh, func(context.Context) error { return nil }, 0)
	failID, _ := eng.Submit("bad", engine.PriorityLow, func(context.Context) error { return fmt.Errorf("nope") }, 0)

	g.Eventually(func() uint64 { return rec.Stats().Written }, 2*time.Second, 10*time.Millisecond).Should(BeEquivalentTo(2))

	got, err := st.RecentOutcomes(context.Background(), 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(HaveLen(2))
	byID := map[string]Outcome{}
	for _, o := range got {
		byID[o.TaskID] = o
	}
	g.Expect(byID[okID.String()].Status).To(Equal("SUCCEEDED"))
	g.Expect(byID[failID.String()].Status).To(Equal("FAILED"))
	g.Expect(byID[failID.String()].Error).To(Equal("nope"))

	cancel()
	g.Eventually(done, time.Second).Should(Receive())
}

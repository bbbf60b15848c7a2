package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  workers: 3
  poll_interval: 20ms
monitor:
  enabled: true
  addr: 127.0.0.1:0
  token: secret
storage:
  driver: sqlite
  path: ./taskd.db
  max_rows: 500
demo:
  enabled: true
  tasks: 6
  failure_rate: 0
  schedules:
    - name: heartbeat
      spec: "@every 2s"
      priority: HIGH
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("taskd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Engine.Workers != 3 || cfg.Engine.PollInterval != "20ms" {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Monitor == nil || !cfg.Monitor.Enabled || cfg.Monitor.Token != "secret" {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Storage == nil || cfg.Storage.MaxRows != 500 {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Demo.FailureRate == nil || *cfg.Demo.FailureRate != 0 {
		t.Fatalf("explicit failure_rate 0 lost: %+v", cfg.Demo.FailureRate)
	}
	if len(cfg.Demo.Schedules) != 1 || cfg.Demo.Schedules[0].Spec != "@every 2s" {
		t.Fatalf("schedules = %+v", cfg.Demo.Schedules)
	}
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("taskd.json", []byte(`{"engine":{"workers":2},"demo":{"enabled":false}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Engine.Workers != 2 || cfg.Monitor != nil || cfg.Storage != nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown json key", "c.json", `{"engine":{"workerz":2}}`},
		{"unknown yaml key", "c.yml", "engine:\n  queue_size: 10\n"},
		{"trailing data", "c.json", `{"engine":{}} {"engine":{}}`},
		{"bad yaml", "c.yaml", "engine: [\n"},
		{"wrong type", "c.json", `{"engine":{"workers":"two"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode(%q) expected error", tt.body)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Engine.Workers != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestTrailingDataSentinel(t *testing.T) {
	_, err := Decode("c.json", []byte(`{} {}`))
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("err = %v, want ErrTrailingData", err)
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", " 150ms "); err != nil || d != 150*time.Millisecond {
		t.Fatalf("parse = %v, %v", d, err)
	}
	if _, err := ParseDurationField("engine.poll_interval", "-1s"); err == nil || !strings.Contains(err.Error(), "engine.poll_interval") {
		t.Fatalf("negative duration error = %v", err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected error for garbage duration")
	}
}

func TestReloadPublishesChangesOnly(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "taskd.json", `{"engine":{"workers":1}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged Reload() = %v, %v", published, err)
	}

	writeFile(t, dir, "taskd.json", `{"engine":{"workers":5}}`)
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("changed Reload() = %v, %v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Engine.Workers != 5 {
			t.Fatalf("published workers = %d", cfg.Engine.Workers)
		}
	default:
		t.Fatal("subscriber got nothing")
	}
	if m.Get().Engine.Workers != 5 {
		t.Fatalf("Get() not committed: %+v", m.Get().Engine)
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "taskd.json", `{"engine":{"workers":1}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Engine.Workers < 0 {
			return errors.New("engine.workers must be >= 0")
		}
		return nil
	})

	writeFile(t, dir, "taskd.json", `{"engine":{"workers":-1}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get().Engine.Workers != 1 {
		t.Fatalf("rejected config was committed: %+v", m.Get().Engine)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Engine: EngineConfig{Workers: 1}})
	m.publish(&Config{Engine: EngineConfig{Workers: 2}})
	if got := (<-sub).Engine.Workers; got != 2 {
		t.Fatalf("got workers %d, want newest 2", got)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "taskd.yaml", "engine:\n  workers: 1\n")

	m := NewConfigManager(path)
	_, err := m.Load()
	g.Expect(err).NotTo(HaveOccurred())
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The watcher may not be up yet, so retry. Attempts are spaced past the
	// reload debounce since every write restarts its timer.
	g.Eventually(func() int {
		_ = os.WriteFile(path, []byte("engine:\n  workers: 7\n"), 0o644)
		select {
		case cfg := <-sub:
			return cfg.Engine.Workers
		case <-time.After(3 * reloadDebounce):
			return 0
		}
	}, 10*time.Second, 10*time.Millisecond).Should(Equal(7))
}

func TestSummarizeConfigChange(t *testing.T) {
	rate := 0.5
	oldCfg := &Config{
		Engine:  EngineConfig{Workers: 2},
		Monitor: &MonitorConfig{Enabled: true, Token: "a"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Engine:  EngineConfig{Workers: 4},
		Monitor: &MonitorConfig{Enabled: true, Token: "b"},
		Storage: &StorageConfig{Driver: "file", Path: "./x"},
		Demo:    DemoConfig{Enabled: true, FailureRate: &rate},
	}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"demo", "engine", "logging", "monitor", "storage"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if strings.Join(restart, ",") != "demo,engine,storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	changed, _, restart = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 || len(restart) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", changed, restart)
	}
}

package app

import (
	"fmt"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/demo"
	"taskd/internal/observability/monitor"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

const defaultWorkers = 4

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if ec.RegistryMaxEntries < 0 {
		return engine.Config{}, fmt.Errorf("engine.registry_max_entries must be >= 0")
	}
	poll, err := config.ParseDurationOrDefault("engine.poll_interval", ec.PollInterval, engine.DefaultPollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	workers := ec.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	return engine.Config{
		Workers:            workers,
		PollInterval:       poll,
		RegistryMaxEntries: ec.RegistryMaxEntries,
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	if cfg.Monitor == nil {
		return monitor.Config{}, nil
	}
	mc := cfg.Monitor
	if mc.Limit < 0 || mc.Limit > engine.RecentCapacity {
		return monitor.Config{}, fmt.Errorf("monitor.limit must be in [0, %d]", engine.RecentCapacity)
	}
	read, err := config.ParseDurationOrDefault("monitor.read_timeout", mc.ReadTimeout, 5*time.Second)
	if err != nil {
		return monitor.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("monitor.write_timeout", mc.WriteTimeout, 10*time.Second)
	if err != nil {
		return monitor.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("monitor.idle_timeout", mc.IdleTimeout, 60*time.Second)
	if err != nil {
		return monitor.Config{}, err
	}
	out := monitor.Config{
		Enabled:       mc.Enabled,
		Addr:          strings.TrimSpace(mc.Addr),
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
		Limit:         mc.Limit,
		Pprof:         mc.Pprof,
		PprofPrefix:   strings.TrimSpace(mc.PprofPrefix),
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
	if err := monitor.CheckBind(out); err != nil {
		return monitor.Config{}, fmt.Errorf("monitor: %w", err)
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if sc.MaxRows < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.max_rows must be >= 0")
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, MaxRows: sc.MaxRows}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	tz := strings.TrimSpace(cfg.Trigger.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return trigger.Config{}, fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	spread, err := config.ParseDurationField("trigger.startup_spread", cfg.Trigger.StartupSpread)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{Timezone: tz, StartupSpread: spread}, nil
}

// demoSchedule is a validated config.ScheduleConfig.
type demoSchedule struct {
	name     string
	spec     string
	priority engine.Priority
	delay    time.Duration
}

func mapDemoConfig(cfg *config.Config) (demo.Config, []demoSchedule, error) {
	dc := cfg.Demo
	out := demo.DefaultConfig()
	if dc.Tasks < 0 {
		return demo.Config{}, nil, fmt.Errorf("demo.tasks must be >= 0")
	}
	if dc.Tasks > 0 {
		out.Tasks = dc.Tasks
	}
	if dc.FailureRate != nil {
		if *dc.FailureRate < 0 || *dc.FailureRate > 1 {
			return demo.Config{}, nil, fmt.Errorf("demo.failure_rate must be in [0, 1]")
		}
		out.FailureRate = *dc.FailureRate
	}
	if dc.RatePerSec < 0 || dc.Burst < 0 {
		return demo.Config{}, nil, fmt.Errorf("demo.rate_per_sec and demo.burst must be >= 0")
	}
	out.RatePerSec, out.Burst = dc.RatePerSec, dc.Burst

	var err error
	if out.MaxDelay, err = config.ParseDurationOrDefault("demo.max_delay", dc.MaxDelay, demo.DefaultMaxDelay); err != nil {
		return demo.Config{}, nil, err
	}
	if out.MinSleep, err = config.ParseDurationOrDefault("demo.min_sleep", dc.MinSleep, demo.DefaultMinSleep); err != nil {
		return demo.Config{}, nil, err
	}
	if out.MaxSleep, err = config.ParseDurationOrDefault("demo.max_sleep", dc.MaxSleep, demo.DefaultMaxSleep); err != nil {
		return demo.Config{}, nil, err
	}
	if out.MaxSleep < out.MinSleep {
		return demo.Config{}, nil, fmt.Errorf("demo.max_sleep must be >= demo.min_sleep")
	}

	seen := make(map[string]struct{}, len(dc.Schedules))
	scheds := make([]demoSchedule, 0, len(dc.Schedules))
	for i, sc := range dc.Schedules {
		key := fmt.Sprintf("demo.schedules[%d]", i)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return demo.Config{}, nil, fmt.Errorf("%s.name is required", key)
		}
		if _, dup := seen[name]; dup {
			return demo.Config{}, nil, fmt.Errorf("%s.name %q is duplicated", key, name)
		}
		seen[name] = struct{}{}

		if _, err := trigger.Validate(sc.Spec); err != nil {
			return demo.Config{}, nil, fmt.Errorf("%s.spec: %w", key, err)
		}
		prio := engine.PriorityMedium
		if strings.TrimSpace(sc.Priority) != "" {
			if prio, err = engine.ParsePriority(sc.Priority); err != nil {
				return demo.Config{}, nil, fmt.Errorf("%s.priority: %w", key, err)
			}
		}
		delay, err := config.ParseDurationField(key+".delay", sc.Delay)
		if err != nil {
			return demo.Config{}, nil, err
		}
		scheds = append(scheds, demoSchedule{name: name, spec: sc.Spec, priority: prio, delay: delay})
	}
	return out, scheds, nil
}

// validateConfig rejects a config before it is committed, at boot or on hot reload.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDemoConfig(cfg); err != nil {
		return err
	}
	return nil
}

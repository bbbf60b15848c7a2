package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the task execution engine.
	Engine EngineConfig `json:"engine"`

	// Monitor is optional. Omitted means disabled.
	Monitor *MonitorConfig `json:"monitor,omitempty"`

	// Storage is optional. Omitted means outcomes are not journaled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Trigger TriggerConfig `json:"trigger,omitempty"`
	Demo    DemoConfig    `json:"demo"`
}

// EngineConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - poll_interval: "50ms"
//   - registry_max_entries: 0 (unbounded)
type EngineConfig struct {
	Workers int `json:"workers,omitempty"`

	// PollInterval is a Go duration string (e.g. "50ms").
	PollInterval string `json:"poll_interval,omitempty"`

	RegistryMaxEntries int `json:"registry_max_entries,omitempty"`
}

// MonitorConfig controls the HTTP monitor.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MonitorConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Limit is the default number of recent tasks in /metrics (default 50).
	Limit int `json:"limit,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional outcome journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db", "max_rows": 100000 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxRows     int    `json:"max_rows,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TriggerConfig controls the cron trigger service.
type TriggerConfig struct {
	// Timezone is an IANA name. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	// StartupSpread staggers the first tick of interval schedules (Go duration).
	StartupSpread string `json:"startup_spread,omitempty"`
}

// DemoConfig drives the built-in sample load.
//
// Defaults (when fields are omitted/zero):
//   - tasks: 10
//   - max_delay: "2s"
//   - failure_rate: 0.1
//   - min_sleep/max_sleep: "200ms"/"600ms"
//   - rate_per_sec: 0 (unpaced)
type DemoConfig struct {
	Enabled bool `json:"enabled"`
	Tasks   int  `json:"tasks,omitempty"`

	MaxDelay string `json:"max_delay,omitempty"`

	// FailureRate is a pointer so an explicit 0 can be told apart from "omitted".
	FailureRate *float64 `json:"failure_rate,omitempty"`

	MinSleep string `json:"min_sleep,omitempty"`
	MaxSleep string `json:"max_sleep,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// ScheduleConfig is one recurring demo task.
//
// Spec accepts cron (seconds optional), "@every 2s", "every:2s", "interval:2s" or "HH:MM".
type ScheduleConfig struct {
	Name     string `json:"name"`
	Spec     string `json:"spec"`
	Priority string `json:"priority,omitempty"` // HIGH|MEDIUM|LOW, default MEDIUM
	Delay    string `json:"delay,omitempty"`
}

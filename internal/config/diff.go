package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// liveSections are applied on reload; every other changed section only
// takes effect after a restart.
var liveSections = map[string]bool{
	"logging": true,
	"monitor": true,
}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine.Workers != newCfg.Engine.Workers ||
		strings.TrimSpace(oldCfg.Engine.PollInterval) != strings.TrimSpace(newCfg.Engine.PollInterval) ||
		oldCfg.Engine.RegistryMaxEntries != newCfg.Engine.RegistryMaxEntries {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.poll_interval", strings.TrimSpace(newCfg.Engine.PollInterval)),
			logx.Int("engine.registry_max_entries", newCfg.Engine.RegistryMaxEntries),
		)
	}

	// Monitor (never log token)
	oM, nM := derefMonitor(oldCfg.Monitor), derefMonitor(newCfg.Monitor)
	oTok, nTok := strings.TrimSpace(oM.Token) != "", strings.TrimSpace(nM.Token) != ""
	oM.Token, nM.Token = "", ""
	if !reflect.DeepEqual(oM, nM) || oTok != nTok || (oTok && oldCfg.Monitor.Token != newCfg.Monitor.Token) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", nM.Enabled),
			logx.String("monitor.addr", strings.TrimSpace(nM.Addr)),
			logx.Bool("monitor.token_set", nTok),
			logx.Bool("monitor.allow_insecure", nM.AllowInsecure),
			logx.Bool("monitor.pprof", nM.Pprof),
		)
	}

	// Storage (nil means disabled)
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxRows != nS.MaxRows {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.max_rows", nS.MaxRows),
		)
	}

	if strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) ||
		strings.TrimSpace(oldCfg.Trigger.StartupSpread) != strings.TrimSpace(newCfg.Trigger.StartupSpread) {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Demo, newCfg.Demo) {
		changed = append(changed, "demo")
		attrs = append(attrs,
			logx.Bool("demo.enabled", newCfg.Demo.Enabled),
			logx.Int("demo.tasks", newCfg.Demo.Tasks),
			logx.Int("demo.schedules", len(newCfg.Demo.Schedules)),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefMonitor(m *MonitorConfig) MonitorConfig {
	if m == nil {
		return MonitorConfig{}
	}
	return *m
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Log level, reconciliation and continuity are applied live; the remaining
// sections only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ReconciliationChanged bool
	ContinuityChanged     bool

	// RestartRequired lists sections that changed but cannot be applied
	// without restarting the process.
	RestartRequired []string
}

// HotReloadable reports whether d contains any change that can be applied live.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.ReconciliationChanged || d.ContinuityChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ReconciliationChanged = old.Reconciliation != new.Reconciliation
	d.ContinuityChanged = !continuityEqual(old.Continuity, new.Continuity)

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Recognition, new.Recognition) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	if !reflect.DeepEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	return d
}

// continuityEqual compares by effective restart policy, so an omitted
// auto_restart equals an explicit true.
func continuityEqual(a, b ContinuityConfig) bool {
	return a.RestartPolicy() == b.RestartPolicy()
}

package config

// ConfigDiff describes what changed between two configs. The watcher hands
// it to the reload callback so callers can decide what is safe to apply
// without a restart.
type ConfigDiff struct {
	// LogLevelChanged is hot-reloadable: callers swap the slog level.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged means provider, credentials, model, or tuning changed.
	// Requires rebuilding the provider and gateway.
	LLMChanged bool

	// WindowChanged means sliding-window tuning changed. Existing session
	// windows keep their geometry; only new sessions pick it up.
	WindowChanged bool

	// StorageChanged means the persistence target changed. Not applied at
	// runtime.
	StorageChanged bool
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LLMChanged && !d.WindowChanged && !d.StorageChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.APIServer.LogLevel != new.APIServer.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.APIServer.LogLevel
	}
	if old.LLM != new.LLM {
		d.LLMChanged = true
	}
	if old.SlidingWindow != new.SlidingWindow {
		d.WindowChanged = true
	}
	if old.Storage != new.Storage {
		d.StorageChanged = true
	}
	return d
}

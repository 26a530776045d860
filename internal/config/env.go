package config

import (
	"log/slog"
	"os"
)

// Environment variable names, matching spec §6's external-interfaces list.
const (
	EnvPluginPath   = "QTCONTACTS_SQLITE_PLUGIN_PATH"
	EnvDebugSQL     = "QTCONTACTS_SQLITE_DEBUG_SQL"
	EnvDebugFilters = "QTCONTACTS_SQLITE_DEBUG_FILTERS"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	PluginPath   string
	DebugSQL     bool
	DebugFilters bool
}

// ReadEnvOverrides reads the engine's environment variables. Debug flags are
// "enabled" whenever the variable is non-empty, matching the spec's
// "if non-empty, enable" wording.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	e := EnvOverrides{
		PluginPath:   os.Getenv(EnvPluginPath),
		DebugSQL:     os.Getenv(EnvDebugSQL) != "",
		DebugFilters: os.Getenv(EnvDebugFilters) != "",
	}

	if logger != nil {
		logger.Debug("read environment overrides",
			slog.String("plugin_path", e.PluginPath),
			slog.Bool("debug_sql", e.DebugSQL),
			slog.Bool("debug_filters", e.DebugFilters),
		)
	}

	return e
}

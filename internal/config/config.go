// Package config resolves the writable data directory, engine tuning
// parameters, and environment-variable overrides for the contacts database
// engine. Resolution follows a three-layer override chain: built-in
// defaults, an optional TOML config file, then environment variables.
package config

// Config is the top-level engine configuration. Unknown TOML keys are
// rejected by Load so typos surface immediately rather than silently
// falling back to a default.
type Config struct {
	// DatabaseFileName is the base name of the durable SQLite store.
	DatabaseFileName string `toml:"database_file_name"`

	// BatchSize is the number of contacts streamed per
	// "contacts-available" notification during a read.
	BatchSize int `toml:"batch_size"`

	// MaxBoundParameters is the ceiling above which the FilterCompiler
	// spills an id/collection list into a temporary table instead of an
	// inline SQL IN (...) list.
	MaxBoundParameters int `toml:"max_bound_parameters"`

	// StaleWriteLockTimeoutSeconds is loaded from the config file (default
	// 0), but nothing in the engine reads it: no stuck-writer warning is
	// emitted whatever its value.
	StaleWriteLockTimeoutSeconds int `toml:"stale_write_lock_timeout_seconds"`

	// OOBCompressionThreshold is a size string, parsed by
	// OOBCompressionThresholdBytes and passed to contactsdb.Options. The OOB
	// store does not read that option: it compresses strings longer than a
	// fixed 256 bytes whatever this value is.
	OOBCompressionThreshold string `toml:"oob_compression_threshold"`

	LogLevel string `toml:"log_level"`
}

// OOBCompressionThresholdBytes parses OOBCompressionThreshold, defaulting to
// 256 bytes on an empty or malformed value.
func (c *Config) OOBCompressionThresholdBytes() int {
	n, err := parseSize(c.OOBCompressionThreshold)
	if err != nil || n <= 0 {
		return 256
	}

	return int(n)
}

// DefaultConfig returns a Config populated with all built-in defaults. Used
// both as the TOML decode target (so unset keys keep their default) and as
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		DatabaseFileName:             defaultDatabaseFileName,
		BatchSize:                    defaultBatchSize,
		MaxBoundParameters:           defaultMaxBoundParameters,
		StaleWriteLockTimeoutSeconds: defaultStaleWriteLockTimeoutSeconds,
		OOBCompressionThreshold:      defaultOOBCompressionThreshold,
		LogLevel:                     defaultLogLevel,
	}
}

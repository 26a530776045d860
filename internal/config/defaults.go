package config

// Default values for configuration options — the layer-0 fallback of the
// override chain.
const (
	defaultDatabaseFileName             = "contacts.db"
	defaultBatchSize                    = 50
	defaultMaxBoundParameters           = 800
	defaultStaleWriteLockTimeoutSeconds = 0
	defaultOOBCompressionThreshold      = "256B"
	defaultLogLevel                     = "warn"
)

// testModeSuffix is appended to DatabaseFileName when test mode is active,
// so integration tests never touch a developer's real contacts store.
const testModeSuffix = ".test"

// ResolvedDatabaseFileName returns cfg's configured file name, with the test-mode
// suffix applied when testMode is true.
func (c *Config) ResolvedDatabaseFileName(testMode bool) string {
	name := c.DatabaseFileName
	if name == "" {
		name = defaultDatabaseFileName
	}

	if testMode {
		return name + testModeSuffix
	}

	return name
}

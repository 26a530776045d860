package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads the TOML config file at path, decoding into DefaultConfig's
// result. A missing file is not an error — callers get the defaults. Unknown
// keys are rejected so a typo'd setting fails loudly instead of being
// silently ignored.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("no config file found, using defaults", slog.String("path", path))
			return cfg, nil
		}

		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown keys %v", path, undecoded)
	}

	logger.Debug("loaded config file", slog.String("path", path))

	return cfg, nil
}

package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// LoadFromEnv overlays KILLFEED_* environment variables onto cfg. Unset
// variables leave the file or default value in place.
func LoadFromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CROSSPOST_"

// applyEnv overlays environment variables on the logging and relay sections.
// Connection settings are not overridable this way; use ${VAR} in the file.
func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(&cfg.Logging, env.Options{Prefix: EnvPrefix + "LOG_"}); err != nil {
		return fmt.Errorf("env logging: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Relay, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env relay: %w", err)
	}
	return nil
}

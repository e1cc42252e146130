package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// parseEnv overlays PLINTH_* environment variables onto target. Fields
// whose variable is unset keep the value already in target, so callers
// pass a struct pre-filled with defaults.
func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

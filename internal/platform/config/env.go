// Package config holds shared configuration helpers for the countersign
// binaries. Settings come from COUNTERSIGN_-prefixed environment variables
// declared as struct tags on each component's config type.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv populates target from its env struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

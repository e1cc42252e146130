package config

import (
	"fmt"
	"time"
)

// AuthConfig holds configuration for session token issuance
type AuthConfig struct {
	// Secret signs session tokens (HS256). Must be at least 32 bytes.
	// When empty a random secret is generated at startup and tokens do
	// not survive restarts.
	Secret string `env:"PLINTH_AUTH_SECRET"`

	// Issuer is the "iss" claim of issued tokens
	Issuer string `env:"PLINTH_AUTH_ISSUER"`

	// TokenTTL is the lifetime of an issued token
	// Default: 12h, Range: 1m-720h
	TokenTTL time.Duration `env:"PLINTH_AUTH_TOKEN_TTL"`

	// BcryptCost for the built-in password provider
	BcryptCost int `env:"PLINTH_AUTH_BCRYPT_COST"`
}

// DefaultAuthConfig returns the default auth configuration
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:     "plinth",
		TokenTTL:   12 * time.Hour,
		BcryptCost: 10,
	}
}

// Validate checks if the configuration has valid values
func (c AuthConfig) Validate() error {
	if c.Secret != "" && len(c.Secret) < 32 {
		return fmt.Errorf("secret must be at least 32 bytes (got %d)", len(c.Secret))
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.TokenTTL < time.Minute || c.TokenTTL > 720*time.Hour {
		return fmt.Errorf("token_ttl must be between 1m and 720h (got %s)", c.TokenTTL)
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("bcrypt_cost must be between 4 and 31 (got %d)", c.BcryptCost)
	}
	return nil
}

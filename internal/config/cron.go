package config

import (
	"fmt"
	"time"
)

// CronConfig holds configuration for the plugin cron runner
type CronConfig struct {
	// Enabled controls whether `plinth serve` runs scheduled jobs
	Enabled bool `env:"PLINTH_CRON_ENABLED"`

	// TickInterval is how often due jobs are checked
	// Default: 30s
	TickInterval time.Duration `env:"PLINTH_CRON_TICK"`

	// LeaseTTL is how long the advisory lease is held without renewal.
	// Must exceed the longest expected tick.
	// Default: 5m
	LeaseTTL time.Duration `env:"PLINTH_CRON_LEASE_TTL"`

	// JobTimeout bounds one job run
	// Default: 2m
	JobTimeout time.Duration `env:"PLINTH_CRON_JOB_TIMEOUT"`

	// LockDir holds the per-host pid lock file
	LockDir string `env:"PLINTH_CRON_LOCK_DIR"`
}

// DefaultCronConfig returns the default cron configuration
func DefaultCronConfig() CronConfig {
	return CronConfig{
		Enabled:      true,
		TickInterval: 30 * time.Second,
		LeaseTTL:     5 * time.Minute,
		JobTimeout:   2 * time.Minute,
		LockDir:      ".plinth",
	}
}

// Validate checks if the configuration has valid values
func (c CronConfig) Validate() error {
	if c.TickInterval < time.Second {
		return fmt.Errorf("tick must be at least 1s (got %s)", c.TickInterval)
	}
	if c.LeaseTTL <= c.TickInterval {
		return fmt.Errorf("lease_ttl (%s) must exceed tick (%s)", c.LeaseTTL, c.TickInterval)
	}
	if c.JobTimeout <= 0 || c.JobTimeout > c.LeaseTTL {
		return fmt.Errorf("job_timeout must be positive and no longer than lease_ttl (got %s)", c.JobTimeout)
	}
	if c.LockDir == "" {
		return fmt.Errorf("lock_dir is required")
	}
	return nil
}

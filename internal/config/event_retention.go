package config

import (
	"fmt"
	"time"
)

// EventRetentionConfig holds configuration for kernel event retention and cleanup
type EventRetentionConfig struct {
	// RetentionDays is the retention period for regular events (in days)
	// Events older than this are eligible for deletion
	// Default: 30, Range: 1-365
	RetentionDays int `env:"PLINTH_EVENT_RETENTION_DAYS"`

	// RetentionCriticalDays is the retention period for error/critical events (in days)
	// Must be >= RetentionDays
	// Default: 90, Range: 1-730
	RetentionCriticalDays int `env:"PLINTH_EVENT_RETENTION_CRITICAL_DAYS"`

	// CleanupIntervalHours is how often to run cleanup (in hours)
	// Default: 24, Range: 1-168 (1 week)
	CleanupIntervalHours int `env:"PLINTH_EVENT_CLEANUP_INTERVAL_HOURS"`

	// CleanupBatchSize is the number of events to delete per transaction
	// Default: 1000, Range: 100-10000
	CleanupBatchSize int `env:"PLINTH_EVENT_CLEANUP_BATCH_SIZE"`

	// CleanupEnabled controls whether automatic cleanup is enabled
	// Default: true
	CleanupEnabled bool `env:"PLINTH_EVENT_CLEANUP_ENABLED"`
}

// DefaultEventRetentionConfig returns the default event retention configuration
func DefaultEventRetentionConfig() EventRetentionConfig {
	return EventRetentionConfig{
		RetentionDays:         30,
		RetentionCriticalDays: 90,
		CleanupIntervalHours:  24,
		CleanupBatchSize:      1000,
		CleanupEnabled:        true,
	}
}

// Validate checks if the configuration has valid values
func (c EventRetentionConfig) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention_days must be between 1 and 365 (got %d)", c.RetentionDays)
	}
	if c.RetentionCriticalDays < 1 || c.RetentionCriticalDays > 730 {
		return fmt.Errorf("retention_critical_days must be between 1 and 730 (got %d)",
			c.RetentionCriticalDays)
	}
	if c.RetentionCriticalDays < c.RetentionDays {
		return fmt.Errorf("retention_critical_days (%d) must be >= retention_days (%d)",
			c.RetentionCriticalDays, c.RetentionDays)
	}
	if c.CleanupIntervalHours < 1 {
		return fmt.Errorf("cleanup_interval_hours must be at least 1 (got %d)",
			c.CleanupIntervalHours)
	}
	if c.CleanupIntervalHours > 168 {
		return fmt.Errorf("cleanup_interval_hours too large (got %d, max 168)",
			c.CleanupIntervalHours)
	}
	if c.CleanupBatchSize < 100 {
		return fmt.Errorf("cleanup_batch_size must be at least 100 (got %d)",
			c.CleanupBatchSize)
	}
	if c.CleanupBatchSize > 10000 {
		return fmt.Errorf("cleanup_batch_size too large (got %d, max 10000)",
			c.CleanupBatchSize)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c EventRetentionConfig) String() string {
	return fmt.Sprintf(
		"EventRetentionConfig{RetentionDays: %d, RetentionCriticalDays: %d, "+
			"CleanupInterval: %dh, BatchSize: %d, Enabled: %t}",
		c.RetentionDays, c.RetentionCriticalDays,
		c.CleanupIntervalHours, c.CleanupBatchSize, c.CleanupEnabled,
	)
}

// CleanupInterval returns the cleanup interval as a time.Duration
func (c EventRetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// EventRetentionConfigFromEnv creates an EventRetentionConfig from environment variables,
// falling back to defaults
//
// Environment variables:
//   - PLINTH_EVENT_RETENTION_DAYS: Retention period for regular events in days (default: 30)
//   - PLINTH_EVENT_RETENTION_CRITICAL_DAYS: Retention period for critical events in days (default: 90)
//   - PLINTH_EVENT_CLEANUP_INTERVAL_HOURS: How often to run cleanup in hours (default: 24)
//   - PLINTH_EVENT_CLEANUP_BATCH_SIZE: Events to delete per transaction (default: 1000)
//   - PLINTH_EVENT_CLEANUP_ENABLED: Enable automatic cleanup (default: true)
//
// Returns an error if any environment variable has an invalid value.
func EventRetentionConfigFromEnv() (EventRetentionConfig, error) {
	cfg := DefaultEventRetentionConfig()
	if err := parseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid event retention configuration from environment: %w", err)
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"time"
)

// WebhookConfig holds configuration for outbound webhook delivery
type WebhookConfig struct {
	// MaxAttempts before a delivery is marked dead
	// Default: 6, Range: 1-20
	MaxAttempts int `env:"PLINTH_WEBHOOK_MAX_ATTEMPTS"`

	// InitialBackoff before the second attempt
	// Default: 30s
	InitialBackoff time.Duration `env:"PLINTH_WEBHOOK_INITIAL_BACKOFF"`

	// MaxBackoff caps exponential growth
	// Default: 1h
	MaxBackoff time.Duration `env:"PLINTH_WEBHOOK_MAX_BACKOFF"`

	// BackoffMultiplier applied after every failed attempt
	// Default: 2.0
	BackoffMultiplier float64 `env:"PLINTH_WEBHOOK_BACKOFF_MULTIPLIER"`

	// Timeout per HTTP request
	// Default: 10s
	Timeout time.Duration `env:"PLINTH_WEBHOOK_TIMEOUT"`

	// Concurrency is the maximum number of in-flight deliveries
	// Default: 8
	Concurrency int `env:"PLINTH_WEBHOOK_CONCURRENCY"`

	// RatePerSecond per endpoint host; Burst is the token bucket size
	// Default: 5/s, burst 10
	RatePerSecond float64 `env:"PLINTH_WEBHOOK_RATE"`
	Burst         int     `env:"PLINTH_WEBHOOK_BURST"`

	// Circuit breaker per endpoint host
	FailureThreshold int           `env:"PLINTH_WEBHOOK_FAILURE_THRESHOLD"`
	SuccessThreshold int           `env:"PLINTH_WEBHOOK_SUCCESS_THRESHOLD"`
	OpenTimeout      time.Duration `env:"PLINTH_WEBHOOK_OPEN_TIMEOUT"`

	// PollInterval of the delivery worker loop
	// Default: 2s
	PollInterval time.Duration `env:"PLINTH_WEBHOOK_POLL_INTERVAL"`

	// BatchSize is how many due deliveries one poll claims
	BatchSize int `env:"PLINTH_WEBHOOK_BATCH_SIZE"`
}

// DefaultWebhookConfig returns the default webhook delivery configuration
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxAttempts:       6,
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
		Timeout:           10 * time.Second,
		Concurrency:       8,
		RatePerSecond:     5,
		Burst:             10,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       time.Minute,
		PollInterval:      2 * time.Second,
		BatchSize:         50,
	}
}

// Validate checks if the configuration has valid values
func (c WebhookConfig) Validate() error {
	if c.MaxAttempts < 1 || c.MaxAttempts > 20 {
		return fmt.Errorf("max_attempts must be between 1 and 20 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive (got %s)", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%s) must be >= initial_backoff (%s)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %v)", c.BackoffMultiplier)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %s)", c.Timeout)
	}
	if c.Concurrency < 1 || c.Concurrency > 256 {
		return fmt.Errorf("concurrency must be between 1 and 256 (got %d)", c.Concurrency)
	}
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("rate must be positive (got %v)", c.RatePerSecond)
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 (got %d)", c.Burst)
	}
	if c.FailureThreshold < 1 || c.SuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker thresholds must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive (got %s)", c.PollInterval)
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return fmt.Errorf("batch_size must be between 1 and 1000 (got %d)", c.BatchSize)
	}
	return nil
}

// Backoff returns the wait before the given attempt (1-based) is retried.
func (c WebhookConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// WebhookConfigFromEnv creates a WebhookConfig from environment variables,
// falling back to defaults
func WebhookConfigFromEnv() (WebhookConfig, error) {
	cfg := DefaultWebhookConfig()
	if err := parseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid webhook configuration from environment: %w", err)
	}
	return cfg, nil
}

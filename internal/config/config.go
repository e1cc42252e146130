package config

import (
	"fmt"
	"strings"
	"time"
)

// KernelAPIVersion is the plugin API version this kernel implements.
// Manifests declare a semver constraint ("api: ^1.0") against it.
const KernelAPIVersion = "1.2.0"

// Config is the top-level configuration of a plinth process.
type Config struct {
	// Driver selects the storage backend: "sqlite" or "postgres"
	// Default: sqlite
	Driver string `env:"PLINTH_DB_DRIVER"`

	// DBPath is the SQLite database path (":memory:" for tests)
	DBPath string `env:"PLINTH_DB_PATH"`

	// PostgresURL is the pgx connection string used when Driver is "postgres"
	PostgresURL string `env:"PLINTH_POSTGRES_URL"`

	// PluginDirs are scanned for plugin manifests, one plugin per subdirectory
	PluginDirs []string `env:"PLINTH_PLUGIN_DIRS" envSeparator:":"`

	// ListenAddr is the HTTP address for `plinth serve`
	ListenAddr string `env:"PLINTH_LISTEN_ADDR"`

	// ControlSocket is the unix socket path of the control server
	ControlSocket string `env:"PLINTH_CONTROL_SOCKET"`

	// HookTimeout bounds a single hook callback
	// Default: 2s, Range: 10ms-1m
	HookTimeout time.Duration `env:"PLINTH_HOOK_TIMEOUT"`

	// WatchPlugins enables hot reload when plugin files change
	WatchPlugins bool `env:"PLINTH_WATCH_PLUGINS"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `env:"PLINTH_LOG_LEVEL"`

	// LogFormat is "json" or "console"
	LogFormat string `env:"PLINTH_LOG_FORMAT"`

	Webhook   WebhookConfig
	Auth      AuthConfig
	Cron      CronConfig
	Retention EventRetentionConfig
}

// DefaultConfig returns the default process configuration
func DefaultConfig() Config {
	return Config{
		Driver:        "sqlite",
		DBPath:        ".plinth/plinth.db",
		PluginDirs:    []string{"plugins"},
		ListenAddr:    "127.0.0.1:8480",
		ControlSocket: ".plinth/control.sock",
		HookTimeout:   2 * time.Second,
		WatchPlugins:  false,
		LogLevel:      "info",
		LogFormat:     "console",
		Webhook:       DefaultWebhookConfig(),
		Auth:          DefaultAuthConfig(),
		Cron:          DefaultCronConfig(),
		Retention:     DefaultEventRetentionConfig(),
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the sqlite driver")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("driver must be 'sqlite' or 'postgres' (got %q)", c.Driver)
	}
	if c.HookTimeout < 10*time.Millisecond || c.HookTimeout > time.Minute {
		return fmt.Errorf("hook_timeout must be between 10ms and 1m (got %s)", c.HookTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error (got %q)", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be 'json' or 'console' (got %q)", c.LogFormat)
	}
	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Cron.Validate(); err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	return nil
}

// String returns a human-readable representation of the config.
// Secrets are never printed.
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Driver: %s, DBPath: %s, PluginDirs: %v, Listen: %s, HookTimeout: %s, Watch: %t, Log: %s/%s}",
		c.Driver, c.DBPath, c.PluginDirs, c.ListenAddr, c.HookTimeout, c.WatchPlugins, c.LogLevel, c.LogFormat,
	)
}

// Load builds the configuration from defaults overlaid with environment
// variables, then validates it.
//
// Environment variables (all optional):
//   - PLINTH_DB_DRIVER, PLINTH_DB_PATH, PLINTH_POSTGRES_URL
//   - PLINTH_PLUGIN_DIRS (colon separated)
//   - PLINTH_LISTEN_ADDR, PLINTH_CONTROL_SOCKET
//   - PLINTH_HOOK_TIMEOUT, PLINTH_WATCH_PLUGINS
//   - PLINTH_LOG_LEVEL, PLINTH_LOG_FORMAT
//   - PLINTH_WEBHOOK_*, PLINTH_AUTH_*, PLINTH_CRON_*, PLINTH_EVENT_*
func Load() (Config, error) {
	cfg := DefaultConfig()
	if err := parseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

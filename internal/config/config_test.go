package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	t.Setenv("PLINTH_DB_PATH", ":memory:")
	t.Setenv("PLINTH_PLUGIN_DIRS", "/srv/plugins:/opt/plugins")
	t.Setenv("PLINTH_HOOK_TIMEOUT", "500ms")
	t.Setenv("PLINTH_WEBHOOK_MAX_ATTEMPTS", "3")
	t.Setenv("PLINTH_CRON_TICK", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, []string{"/srv/plugins", "/opt/plugins"}, cfg.PluginDirs)
	assert.Equal(t, 500*time.Millisecond, cfg.HookTimeout)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Cron.TickInterval)
	// untouched nested values keep defaults
	assert.Equal(t, DefaultAuthConfig().TokenTTL, cfg.Auth.TokenTTL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PLINTH_DB_DRIVER", "mongodb")
	_, err := Load()
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without url", func(c *Config) { c.Driver = "postgres" }},
		{"hook timeout too small", func(c *Config) { c.HookTimeout = time.Millisecond }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"short auth secret", func(c *Config) { c.Auth.Secret = "short" }},
		{"lease shorter than tick", func(c *Config) { c.Cron.LeaseTTL = c.Cron.TickInterval }},
		{"webhook zero attempts", func(c *Config) { c.Webhook.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigStringHidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Secret = "super-secret-value-that-is-long-enough"
	assert.NotContains(t, cfg.String(), cfg.Auth.Secret)
}

func TestWebhookBackoff(t *testing.T) {
	cfg := DefaultWebhookConfig()
	assert.Equal(t, 30*time.Second, cfg.Backoff(1))
	assert.Equal(t, 60*time.Second, cfg.Backoff(2))
	assert.Equal(t, 120*time.Second, cfg.Backoff(3))
	assert.Equal(t, time.Hour, cfg.Backoff(20))
}

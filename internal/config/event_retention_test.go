package config

import (
	"testing"
)

func TestEventRetentionConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg EventRetentionConfig)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				defaults := DefaultEventRetentionConfig()
				if cfg != defaults {
					t.Errorf("cfg = %v, want %v", cfg, defaults)
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"PLINTH_EVENT_RETENTION_DAYS":          "60",
				"PLINTH_EVENT_RETENTION_CRITICAL_DAYS": "180",
				"PLINTH_EVENT_CLEANUP_INTERVAL_HOURS":  "12",
				"PLINTH_EVENT_CLEANUP_BATCH_SIZE":      "500",
				"PLINTH_EVENT_CLEANUP_ENABLED":         "false",
			},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				if cfg.RetentionDays != 60 {
					t.Errorf("RetentionDays = %v, want 60", cfg.RetentionDays)
				}
				if cfg.RetentionCriticalDays != 180 {
					t.Errorf("RetentionCriticalDays = %v, want 180", cfg.RetentionCriticalDays)
				}
				if cfg.CleanupIntervalHours != 12 {
					t.Errorf("CleanupIntervalHours = %v, want 12", cfg.CleanupIntervalHours)
				}
				if cfg.CleanupBatchSize != 500 {
					t.Errorf("CleanupBatchSize = %v, want 500", cfg.CleanupBatchSize)
				}
				if cfg.CleanupEnabled {
					t.Errorf("CleanupEnabled = %v, want false", cfg.CleanupEnabled)
				}
			},
		},
		{
			name:    "invalid int value",
			envVars: map[string]string{"PLINTH_EVENT_RETENTION_DAYS": "not-a-number"},
			wantErr: true,
		},
		{
			name:    "invalid bool value",
			envVars: map[string]string{"PLINTH_EVENT_CLEANUP_ENABLED": "maybe"},
			wantErr: true,
		},
		{
			name:    "retention days out of range - too low",
			envVars: map[string]string{"PLINTH_EVENT_RETENTION_DAYS": "0"},
			wantErr: true,
		},
		{
			name: "critical retention less than regular retention",
			envVars: map[string]string{
				"PLINTH_EVENT_RETENTION_DAYS":          "60",
				"PLINTH_EVENT_RETENTION_CRITICAL_DAYS": "30",
			},
			wantErr: true,
		},
		{
			name:    "batch size too high",
			envVars: map[string]string{"PLINTH_EVENT_CLEANUP_BATCH_SIZE": "20000"},
			wantErr: true,
		},
		{
			name:    "partial configuration",
			envVars: map[string]string{"PLINTH_EVENT_RETENTION_DAYS": "45"},
			check: func(t *testing.T, cfg EventRetentionConfig) {
				if cfg.RetentionDays != 45 {
					t.Errorf("RetentionDays = %v, want 45", cfg.RetentionDays)
				}
				defaults := DefaultEventRetentionConfig()
				if cfg.RetentionCriticalDays != defaults.RetentionCriticalDays {
					t.Errorf("RetentionCriticalDays = %v, want %v (default)", cfg.RetentionCriticalDays, defaults.RetentionCriticalDays)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := EventRetentionConfigFromEnv()
			if (err != nil) != tt.wantErr {
				t.Errorf("EventRetentionConfigFromEnv() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestEventRetentionConfigCleanupInterval(t *testing.T) {
	cfg := DefaultEventRetentionConfig()
	if got := cfg.CleanupInterval().Hours(); got != 24 {
		t.Errorf("CleanupInterval = %vh, want 24h", got)
	}
}

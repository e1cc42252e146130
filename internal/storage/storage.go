// Package storage persists the kernel's state: sites, plugin
// installations and settings, kernel events, webhook subscriptions and
// deliveries, analytics, advisory leases and cron bookkeeping.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/storage/postgres"
	"github.com/plinthcms/plinth/internal/storage/sqlite"
	"github.com/plinthcms/plinth/internal/types"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = types.ErrNotFound

// ErrConflict is returned by writes that violate a uniqueness rule.
var ErrConflict = types.ErrConflict

// Storage defines the interface for kernel storage backends
type Storage interface {
	// Sites
	CreateSite(ctx context.Context, site *types.Site) error
	GetSite(ctx context.Context, id string) (*types.Site, error)
	GetSiteBySlug(ctx context.Context, slug string) (*types.Site, error)
	ListSites(ctx context.Context) ([]*types.Site, error)
	UpdateSiteTheme(ctx context.Context, id, theme string) error
	DeleteSite(ctx context.Context, id string) error

	// Plugin installations
	UpsertInstallation(ctx context.Context, inst *types.Installation) error
	GetInstallation(ctx context.Context, siteID, pluginID string) (*types.Installation, error)
	ListInstallations(ctx context.Context, siteID string) ([]*types.Installation, error)
	SetInstallationStatus(ctx context.Context, siteID, pluginID string, status types.InstallStatus, lastError string) error
	DeleteInstallation(ctx context.Context, siteID, pluginID string) error

	// Settings
	GetSetting(ctx context.Context, siteID, pluginID, key string) (*types.Setting, error)
	SetSetting(ctx context.Context, setting *types.Setting) error
	ListSettings(ctx context.Context, siteID, pluginID string) ([]*types.Setting, error)
	DeleteSettings(ctx context.Context, siteID, pluginID string) (int, error)

	// Kernel events
	StoreEvent(ctx context.Context, event *events.Event) error
	ListEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error)
	CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error)

	// Webhooks
	CreateSubscription(ctx context.Context, sub *types.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*types.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, siteID string) ([]*types.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	CreateDelivery(ctx context.Context, d *types.Delivery) error
	UpdateDelivery(ctx context.Context, d *types.Delivery) error
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*types.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*types.Delivery, error)

	// Analytics
	StoreAnalyticsEvent(ctx context.Context, event *types.AnalyticsEvent) error
	AnalyticsCounts(ctx context.Context, siteID string, from, to time.Time) ([]*types.AnalyticsCount, error)

	// Advisory leases
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	GetLease(ctx context.Context, name string) (*types.Lease, error)

	// Cron bookkeeping
	GetCronRun(ctx context.Context, name string) (*types.CronRun, error)
	SetCronRun(ctx context.Context, run *types.CronRun) error

	// Lifecycle
	Close() error
}

// Drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	// Driver selects the backend: "sqlite" (default) or "postgres".
	Driver string

	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string

	// PostgresURL is a pgx connection string, used when Driver is "postgres".
	PostgresURL string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverSQLite,
		Path:   DefaultPath,
	}
}

// NewStorage opens the configured backend and brings its schema up to date.
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Driver {
	case "", DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		return sqlite.New(ctx, path)
	case DriverPostgres:
		pgCfg, err := postgres.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return postgres.New(ctx, pgCfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

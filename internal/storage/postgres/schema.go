package postgres

import "github.com/plinthcms/plinth/internal/storage/migrations"

// All timestamps are unix milliseconds in BIGINT columns; 0 means unset.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS sites (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    theme TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS installations (
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    plugin_id TEXT NOT NULL,
    version TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT FALSE,
    granted JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'inactive',
    last_error TEXT NOT NULL DEFAULT '',
    installed_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (site_id, plugin_id)
);

CREATE TABLE IF NOT EXISTS settings (
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    plugin_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value JSONB NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (site_id, plugin_id, key)
);

CREATE TABLE IF NOT EXISTS kernel_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    site_id TEXT NOT NULL DEFAULT '',
    plugin_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_kernel_events_timestamp ON kernel_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_kernel_events_site ON kernel_events(site_id, timestamp);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    secret TEXT NOT NULL,
    events JSONB NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_site ON webhook_subscriptions(site_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
    event_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BYTEA,
    attempt INTEGER NOT NULL DEFAULT 0,
    status_code INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    next_attempt_at BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(state, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription ON webhook_deliveries(subscription_id, created_at);

CREATE TABLE IF NOT EXISTS analytics_events (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    referrer TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    visitor_id TEXT NOT NULL DEFAULT '',
    props JSONB NOT NULL DEFAULT '{}',
    occurred_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analytics_events_site ON analytics_events(site_id, occurred_at);

CREATE TABLE IF NOT EXISTS analytics_daily (
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    day TEXT NOT NULL,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    count BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (site_id, day, name, path)
);

CREATE TABLE IF NOT EXISTS leases (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_runs (
    name TEXT PRIMARY KEY,
    last_run_at BIGINT NOT NULL DEFAULT 0,
    next_run_at BIGINT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);
`

// Migrations returns the PostgreSQL schema history.
func Migrations() *migrations.Manager {
	return migrations.NewManager(
		migrations.Migration{
			Version:     1,
			Description: "initial kernel schema",
			Up:          schemaV1,
			Down: `
				DROP TABLE IF EXISTS cron_runs, leases, analytics_daily, analytics_events,
					webhook_deliveries, webhook_subscriptions, kernel_events, settings,
					installations, sites;
			`,
		},
	)
}

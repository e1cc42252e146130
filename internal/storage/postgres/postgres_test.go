package postgres

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/types"
)

// setupTestStorage connects to PLINTH_TEST_POSTGRES_URL and empties every
// kernel table. Tests skip when no database is configured or reachable.
func setupTestStorage(t *testing.T) *PostgresStorage {
	t.Helper()
	url := os.Getenv("PLINTH_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("Skipping PostgreSQL test (PLINTH_TEST_POSTGRES_URL not set)")
	}
	ctx := context.Background()

	cfg, err := ParseConfig(url)
	require.NoError(t, err)
	store, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping PostgreSQL test (database not available): %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.pool.Exec(ctx, `
		TRUNCATE TABLE cron_runs, leases, analytics_daily, analytics_events, webhook_deliveries,
			webhook_subscriptions, kernel_events, settings, installations, sites CASCADE
	`)
	require.NoError(t, err)
	return store
}

func TestParseConfig(t *testing.T) {
	_, err := ParseConfig("")
	assert.Error(t, err)

	cfg, err := ParseConfig("postgres://u@h/db")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@h/db", cfg.URL)
	assert.Equal(t, int32(25), cfg.MaxConns)
}

func TestSitesAndInstallations(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	site := &types.Site{Slug: "blog", Name: "Blog"}
	require.NoError(t, store.CreateSite(ctx, site))
	assert.ErrorIs(t, store.CreateSite(ctx, &types.Site{Slug: "blog", Name: "Dup"}), types.ErrConflict)

	inst := &types.Installation{SiteID: site.ID, PluginID: "seo", Enabled: true, Granted: []types.Capability{types.CapHooksFilter}}
	require.NoError(t, store.UpsertInstallation(ctx, inst))
	require.NoError(t, store.SetInstallationStatus(ctx, site.ID, "seo", types.InstallActive, ""))

	got, err := store.GetInstallation(ctx, site.ID, "seo")
	require.NoError(t, err)
	assert.Equal(t, types.InstallActive, got.Status)
	assert.Equal(t, inst.Granted, got.Granted)

	require.NoError(t, store.SetSetting(ctx, &types.Setting{SiteID: site.ID, PluginID: "seo", Key: "k", Value: json.RawMessage(`{"a": 1}`)}))
	setting, err := store.GetSetting(ctx, site.ID, "seo", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(setting.Value))

	require.NoError(t, store.DeleteSite(ctx, site.ID))
	_, err = store.GetInstallation(ctx, site.ID, "seo")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEventsAndCleanup(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	old := events.New(events.EventTypeCronRan, "blog", "seo", events.SeverityInfo, "ran", map[string]interface{}{"job": "x"})
	old.Timestamp = time.Now().AddDate(0, 0, -60)
	require.NoError(t, store.StoreEvent(ctx, old))
	require.NoError(t, store.StoreEvent(ctx, events.New(events.EventTypeCronRan, "blog", "seo", events.SeverityInfo, "ran", nil)))

	list, err := store.ListEvents(ctx, events.EventFilter{SiteID: "blog", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	deleted, err := store.CleanupEventsByAge(ctx, 30, 90, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestConcurrentLeaseAcquire(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.AcquireLease(ctx, "cron", string(rune('a'+i)), time.Minute)
			if err == nil && ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "exactly one holder wins the lease")
}

package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/storage/sqlite"
	"github.com/plinthcms/plinth/internal/types"
)

type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) Record(_ context.Context, e *events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t events.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestRunner(t *testing.T) (*Runner, *Scheduler, *sqlite.SQLiteStorage, *eventLog) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultCronConfig()
	cfg.LockDir = t.TempDir()
	sched := NewScheduler()
	log := &eventLog{}
	return NewRunner(store, sched, cfg, log, zap.NewNop()), sched, store, log
}

func job(site, plugin, name string, fn JobFunc) Job {
	return Job{SiteID: site, PluginID: plugin, Name: name, Interval: time.Hour, Fn: fn}
}

func noop(context.Context) error { return nil }

func TestSchedulerAdd(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Add(job("s1", "seo", "sitemap", noop)))
	require.NoError(t, s.Add(job("s2", "seo", "sitemap", noop)))

	assert.Error(t, s.Add(job("s1", "seo", "sitemap", noop)), "duplicate")
	assert.Error(t, s.Add(Job{SiteID: "s1", PluginID: "seo", Name: "fast", Interval: time.Second, Fn: noop}))
	assert.Error(t, s.Add(Job{SiteID: "s1", PluginID: "seo", Name: "", Interval: time.Hour, Fn: noop}))
	assert.Error(t, s.Add(Job{SiteID: "s1", PluginID: "seo", Name: "nil", Interval: time.Hour}))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "s1/seo/sitemap", jobs[0].Key())

	assert.Equal(t, 1, s.RemoveSitePlugin("s1", "seo"))
	assert.Len(t, s.Jobs(), 1)
}

func TestTickRunsDueJobsOnce(t *testing.T) {
	r, sched, store, log := newTestRunner(t)
	ctx := context.Background()

	var mu sync.Mutex
	var sites []string
	require.NoError(t, sched.Add(job("s1", "seo", "sitemap", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		sites = append(sites, hooks.SiteFrom(ctx))
		return nil
	})))

	now := time.Now()
	r.now = func() time.Time { return now }

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Leased)
	assert.Equal(t, []string{"s1/seo/sitemap"}, res.Ran)

	res, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Ran, "not due again within the interval")

	now = now.Add(time.Hour + time.Second)
	res, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Ran, 1)

	assert.Equal(t, []string{"s1", "s1"}, sites, "jobs run scoped to their site")
	assert.Equal(t, 2, log.count(events.EventTypeCronRan))

	run, err := store.GetCronRun(ctx, "s1/seo/sitemap")
	require.NoError(t, err)
	assert.Empty(t, run.LastError)
	assert.WithinDuration(t, now.Add(time.Hour), run.NextRunAt, time.Millisecond)

	_, err = store.GetLease(ctx, LeaseName)
	assert.ErrorIs(t, err, types.ErrNotFound, "lease is released after a tick")
}

func TestTickIsolatesFailures(t *testing.T) {
	r, sched, store, log := newTestRunner(t)
	ctx := context.Background()

	require.NoError(t, sched.Add(job("s1", "a", "fails", func(context.Context) error { return errors.New("boom") })))
	require.NoError(t, sched.Add(job("s1", "b", "panics", func(context.Context) error { panic("kaboom") })))
	require.NoError(t, sched.Add(job("s1", "c", "works", noop)))

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1/a/fails", "s1/b/panics"}, res.Failed)
	assert.Equal(t, []string{"s1/c/works"}, res.Ran)
	assert.Equal(t, 2, log.count(events.EventTypeCronFailed))

	run, err := store.GetCronRun(ctx, "s1/b/panics")
	require.NoError(t, err)
	assert.Contains(t, run.LastError, "kaboom")
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	r, sched, store, _ := newTestRunner(t)
	ctx := context.Background()
	ran := false
	require.NoError(t, sched.Add(job("s1", "p", "j", func(context.Context) error { ran = true; return nil })))

	ok, err := store.AcquireLease(ctx, LeaseName, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Leased)
	assert.False(t, ran)
}

func TestJobTimeout(t *testing.T) {
	r, sched, _, _ := newTestRunner(t)
	r.cfg.JobTimeout = 20 * time.Millisecond
	require.NoError(t, sched.Add(job("s1", "p", "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	res, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1/p/slow"}, res.Failed)
}

func TestRetentionJob(t *testing.T) {
	r, sched, store, log := newTestRunner(t)
	ctx := context.Background()

	old := events.New(events.EventTypePluginLoaded, "", "seo", events.SeverityInfo, "old", nil)
	old.Timestamp = time.Now().AddDate(0, 0, -45)
	require.NoError(t, store.StoreEvent(ctx, old))
	fresh := events.New(events.EventTypePluginLoaded, "", "seo", events.SeverityInfo, "fresh", nil)
	require.NoError(t, store.StoreEvent(ctx, fresh))

	require.NoError(t, sched.Add(RetentionJob(store, config.DefaultEventRetentionConfig(), log, zap.NewNop())))
	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/core/event-retention"}, res.Ran)

	remaining, err := store.ListEvents(ctx, events.EventFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
	assert.Equal(t, 1, log.count(events.EventTypeEventCleanupCompleted))
}

func TestPIDLock(t *testing.T) {
	dir := t.TempDir()
	path, err := AcquirePIDLock(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	// The same process may re-acquire its own lock.
	_, err = AcquirePIDLock(dir)
	require.NoError(t, err)
	require.NoError(t, ReleasePIDLock(path))
	assert.NoFileExists(t, path)
	require.NoError(t, ReleasePIDLock(path))
}

func TestPIDLockHeldByOtherHost(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, dir, PIDLock{PID: os.Getpid() + 1, Hostname: "some-other-host", StartedAt: time.Now()})
	_, err := AcquirePIDLock(dir)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestPIDLockTakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	hostname, err := os.Hostname()
	require.NoError(t, err)
	// Above the largest pid_max Linux allows, so no such process exists.
	writeLock(t, dir, PIDLock{PID: 1 << 23, Hostname: hostname, StartedAt: time.Now()})
	path, err := AcquirePIDLock(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got PIDLock
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, os.Getpid(), got.PID)
}

func TestCreateLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	created, err := createLock(path, []byte(`{"pid":1}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = createLock(path, []byte(`{"pid":2}`))
	require.NoError(t, err)
	assert.False(t, created)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":1}`, string(data))
}

func TestPIDLockUnreadableLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	// A lock another runner has created but not yet written.
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := AcquirePIDLock(dir)
	assert.ErrorIs(t, err, ErrLocked)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	_, err = AcquirePIDLock(dir)
	require.NoError(t, err)
}

func writeLock(t *testing.T, dir string, lock PIDLock) {
	t.Helper()
	data, err := json.Marshal(lock)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644))
}

func TestStartStopsOnCancel(t *testing.T) {
	r, sched, _, _ := newTestRunner(t)
	ran := make(chan struct{}, 1)
	require.NoError(t, sched.Add(job("s1", "p", "j", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	require.NoError(t, <-done)
	assert.NoFileExists(t, filepath.Join(r.cfg.LockDir, LockFileName))
}

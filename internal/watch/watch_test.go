package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/kernel"
)

type countingReloader struct {
	calls atomic.Int32
	err   error
}

func (r *countingReloader) Reload(context.Context) (*kernel.LoadReport, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return &kernel.LoadReport{Loaded: []string{"seo"}}, nil
}

func startWatcher(t *testing.T, dirs []string, r Reloader) (*Watcher, func()) {
	t.Helper()
	w, err := New(dirs, r, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return w, func() {
		cancel()
		<-done
	}
}

func TestBurstTriggersOneReload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "seo")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	r := &countingReloader{}
	w, stop := startWatcher(t, []string{dir}, r)
	defer stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte("-- v"+string(rune('0'+i))), 0o644))
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	// Nothing else is pending.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.GreaterOrEqual(t, w.Stats().Events, 1)
	assert.Equal(t, 1, w.Stats().Reloads)
}

func TestNewPluginDirIsWatched(t *testing.T) {
	dir := t.TempDir()
	r := &countingReloader{}
	_, stop := startWatcher(t, []string{dir}, r)
	defer stop()

	newPlugin := filepath.Join(dir, "fresh")
	require.NoError(t, os.MkdirAll(newPlugin, 0o755))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(newPlugin, "plugin.yaml"), []byte("id: fresh\n"), 0o644))
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestIgnoredFilesDoNotReload(t *testing.T) {
	dir := t.TempDir()
	r := &countingReloader{}
	_, stop := startWatcher(t, []string{dir}, r)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".main.lua.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes~"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, r.calls.Load())
}

func TestReloadErrorsAreCounted(t *testing.T) {
	dir := t.TempDir()
	r := &countingReloader{err: errors.New("bad manifest")}
	w, stop := startWatcher(t, []string{dir}, r)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yaml"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return w.Stats().Errors == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestMissingDirIsSkipped(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "nope")}, &countingReloader{}, 0, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestIgnored(t *testing.T) {
	assert.True(t, ignored(".git"))
	assert.True(t, ignored("main.lua~"))
	assert.False(t, ignored("main.lua"))
}

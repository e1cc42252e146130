package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/capability"
	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/storage"
	"github.com/plinthcms/plinth/internal/storage/sqlite"
	"github.com/plinthcms/plinth/internal/types"
)

type pluginFunc struct {
	activate    func(pc *PluginContext) error
	deactivated atomic.Int32
}

func (p *pluginFunc) Activate(pc *PluginContext) error {
	if p.activate == nil {
		return nil
	}
	return p.activate(pc)
}

func (p *pluginFunc) Deactivate(*PluginContext) error {
	p.deactivated.Add(1)
	return nil
}

func newTestKernel(t *testing.T) (*Kernel, storage.Storage) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.HookTimeout = time.Second
	return New(cfg, store, zap.NewNop()), store
}

func createSite(t *testing.T, store storage.Storage, slug string) *types.Site {
	t.Helper()
	site := &types.Site{Slug: slug, Name: "Site " + slug}
	require.NoError(t, store.CreateSite(context.Background(), site))
	return site
}

func testManifest(id string, caps ...types.Capability) *manifest.Manifest {
	return &manifest.Manifest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		API:          "^1.0",
		Capabilities: caps,
	}
}

// installEnabled installs a plugin with every capability it requests.
func installEnabled(t *testing.T, k *Kernel, site *types.Site, id string) {
	t.Helper()
	m, ok := k.Manifest(id)
	require.True(t, ok, id)
	_, err := k.Install(context.Background(), site.ID, id, m.Capabilities)
	require.NoError(t, err)
	require.NoError(t, k.Enable(context.Background(), site.ID, id))
}

func eventsOfType(t *testing.T, store storage.Storage, et events.EventType) []*events.Event {
	t.Helper()
	evs, err := store.ListEvents(context.Background(), events.EventFilter{Type: et})
	require.NoError(t, err)
	return evs
}

func TestResolve(t *testing.T) {
	mk := func(id, version string, requires ...string) *manifest.Manifest {
		m := testManifest(id)
		m.Version = version
		m.Requires = requires
		return m
	}
	manifests := map[string]*manifest.Manifest{
		"base":     mk("base", "1.4.0"),
		"seo":      mk("seo", "1.0.0", "base@^1.2"),
		"sitemap":  mk("sitemap", "1.0.0", "seo", "base"),
		"old":      mk("old", "1.0.0", "base@^2.0"),
		"needsold": mk("needsold", "1.0.0", "old"),
		"orphan":   mk("orphan", "1.0.0", "ghost"),
		"loop-a":   mk("loop-a", "1.0.0", "loop-b"),
		"loop-b":   mk("loop-b", "1.0.0", "loop-a"),
		"zeta":     mk("zeta", "1.0.0"),
	}

	order, problems := Resolve(manifests)
	assert.Equal(t, []string{"base", "seo", "sitemap", "zeta"}, order)

	assert.ErrorContains(t, problems["old"], "does not satisfy ^2.0")
	assert.ErrorContains(t, problems["needsold"], "dependency old is unavailable")
	assert.ErrorContains(t, problems["orphan"], "missing dependency ghost")
	assert.ErrorContains(t, problems["loop-a"], "dependency cycle among loop-a, loop-b")
	assert.ErrorContains(t, problems["loop-b"], "dependency cycle")
	assert.Nil(t, problems["base"])
}

func TestActivateSiteIsolatesFailures(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	base := testManifest("base", types.CapHooksFilter)
	base.Hooks = []manifest.HookDecl{{Name: "title", Kind: manifest.KindFilter, Priority: 5}}
	require.NoError(t, k.RegisterNative(base, &pluginFunc{activate: func(pc *PluginContext) error {
		_, err := pc.AddFilter("title", 0, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
			return v.(string) + " | base", nil
		})
		return err
	}}))

	broken := testManifest("broken", types.CapHooksFilter)
	broken.Hooks = []manifest.HookDecl{{Name: "title", Kind: manifest.KindFilter}}
	brokenImpl := &pluginFunc{activate: func(pc *PluginContext) error {
		if _, err := pc.AddFilter("title", 0, func(context.Context, interface{}, ...interface{}) (interface{}, error) {
			return "hijacked", nil
		}); err != nil {
			return err
		}
		return errors.New("database unreachable")
	}}
	require.NoError(t, k.RegisterNative(broken, brokenImpl))

	require.NoError(t, k.RegisterNative(testManifest("panicky"), &pluginFunc{activate: func(*PluginContext) error {
		panic("nil map")
	}}))

	dependent := testManifest("dependent")
	dependent.Requires = []string{"broken"}
	require.NoError(t, k.RegisterNative(dependent, &pluginFunc{}))

	for _, id := range []string{"base", "broken", "panicky", "dependent"} {
		installEnabled(t, k, site, id)
	}

	report, err := k.ActivateSite(ctx, "blog")
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, report.Activated)
	assert.Contains(t, report.Errored["broken"], "database unreachable")
	assert.Contains(t, report.Errored["panicky"], "panic: nil map")
	assert.Contains(t, report.Errored["dependent"], "dependency broken is not active")

	// The failed plugin's partial registration was rolled back.
	out, err := k.ApplyFilters(ctx, site.ID, "title", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello | base", out)
	assert.Equal(t, int32(1), brokenImpl.deactivated.Load())

	inst, err := store.GetInstallation(ctx, site.ID, "broken")
	require.NoError(t, err)
	assert.Equal(t, types.InstallErrored, inst.Status)
	assert.Contains(t, inst.LastError, "database unreachable")

	inst, err = store.GetInstallation(ctx, site.ID, "base")
	require.NoError(t, err)
	assert.Equal(t, types.InstallActive, inst.Status)

	assert.Len(t, eventsOfType(t, store, events.EventTypePluginErrored), 3)
	assert.Equal(t, []string{"base"}, k.ActivePlugins(site.ID))
}

func TestUnresolvedInstallationIsErrored(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	orphan := testManifest("orphan")
	orphan.Requires = []string{"ghost"}
	require.NoError(t, k.RegisterNative(orphan, &pluginFunc{}))
	installEnabled(t, k, site, "orphan")

	report, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Contains(t, report.Errored["orphan"], "missing dependency ghost")
	assert.ErrorContains(t, k.Problem("orphan"), "ghost")
}

func TestCapabilitiesAreEnforced(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	m := testManifest("greedy", types.CapHooksAction, types.CapSettingsRead)
	m.Hooks = []manifest.HookDecl{{Name: "post.published", Kind: manifest.KindAction}}
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		_, err := pc.AddAction("post.published", 0, func(context.Context, ...interface{}) error { return nil })
		return err
	}}))

	_, err := k.Install(ctx, site.ID, "greedy", []types.Capability{types.CapSettingsRead})
	require.NoError(t, err)
	require.NoError(t, k.Enable(ctx, site.ID, "greedy"))

	report, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Contains(t, report.Errored["greedy"], "lacks hooks:action")

	// Granting the capability and reactivating fixes it.
	require.NoError(t, k.Grant(ctx, site.ID, "greedy", []types.Capability{types.CapHooksAction}))
	assert.Equal(t, []string{"greedy"}, k.ActivePlugins(site.ID))

	// Grants beyond the manifest's request are refused.
	err = k.Grant(ctx, site.ID, "greedy", []types.Capability{types.CapHTTPOutbound})
	assert.ErrorContains(t, err, "did not request")

	// Revoking reactivates the site without it.
	require.NoError(t, k.Revoke(ctx, site.ID, "greedy", []types.Capability{types.CapHooksAction}))
	assert.Empty(t, k.ActivePlugins(site.ID))
	assert.False(t, k.Hooks().Has("post.published"))
}

func TestUndeclaredHookIsRejected(t *testing.T) {
	k, store := newTestKernel(t)
	site := createSite(t, store, "blog")

	var addErr error
	m := testManifest("sneaky", types.CapHooksAction)
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		_, addErr = pc.AddAction("auth.identity", 0, func(context.Context, ...interface{}) error { return nil })
		return nil
	}}))
	installEnabled(t, k, site, "sneaky")
	_, err := k.ActivateSite(context.Background(), site.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, addErr, ErrUndeclaredHook)
}

func TestPluginCallsDeniedWhenDisabledLater(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	var pcRef *PluginContext
	m := testManifest("reader", types.CapSettingsRead)
	m.Settings = []manifest.SettingSpec{{Key: "limit", Type: "int", Default: 10}}
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		pcRef = pc
		return nil
	}}))
	installEnabled(t, k, site, "reader")
	_, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	v, err := pcRef.Setting(ctx, "limit")
	require.NoError(t, err)
	assert.JSONEq(t, `10`, string(v))

	require.NoError(t, k.Disable(ctx, site.ID, "reader"))
	_, err = pcRef.Setting(ctx, "limit")
	assert.ErrorIs(t, err, capability.ErrDenied)
}

func TestSettings(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	var changed []string
	var mu sync.Mutex
	k.Hooks().AddAction(hooks.SettingsChanged, "host", 10, func(_ context.Context, args ...interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, args[0].(string)+"/"+args[1].(string))
		return nil
	})

	var pcRef *PluginContext
	m := testManifest("seo", types.CapSettingsRead, types.CapSettingsWrite)
	m.Settings = []manifest.SettingSpec{
		{Key: "title_suffix", Type: "string", Default: " | Blog"},
		{Key: "max_length", Type: "int"},
	}
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		pcRef = pc
		return nil
	}}))
	installEnabled(t, k, site, "seo")
	_, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	v, err := pcRef.Setting(ctx, "title_suffix")
	require.NoError(t, err)
	assert.JSONEq(t, `" | Blog"`, string(v))

	_, err = pcRef.Setting(ctx, "max_length")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Error(t, pcRef.SetSetting(ctx, "max_length", json.RawMessage(`"sixty"`)), "type mismatch")
	require.NoError(t, pcRef.SetSetting(ctx, "max_length", json.RawMessage(`60`)))
	require.NoError(t, k.SetSetting(ctx, "blog", "seo", "title_suffix", json.RawMessage(`" - Blog"`)))

	all, err := k.Settings(ctx, "blog", "seo")
	require.NoError(t, err)
	assert.JSONEq(t, `60`, string(all["max_length"]))
	assert.JSONEq(t, `" - Blog"`, string(all["title_suffix"]))

	assert.Equal(t, []string{"seo/max_length", "seo/title_suffix"}, changed)
	assert.Len(t, eventsOfType(t, store, events.EventTypeSettingsChanged), 2)

	// Core settings have no manifest.
	require.NoError(t, k.SetSetting(ctx, "blog", manifest.CoreID, "timezone", json.RawMessage(`"UTC"`)))
	v, err = k.GetSetting(ctx, "blog", manifest.CoreID, "timezone")
	require.NoError(t, err)
	assert.JSONEq(t, `"UTC"`, string(v))

	_, err = k.GetSetting(ctx, "blog", "nope", "x")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestEmitReachesKernelEventHook(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	var seen []*events.Event
	var mu sync.Mutex
	k.Hooks().AddAction(hooks.KernelEvent, "host", 10, func(ctx context.Context, args ...interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		e := args[0].(*events.Event)
		if e.Type == "seo.audited" {
			assert.Equal(t, site.ID, hooks.SiteFrom(ctx))
			seen = append(seen, e)
		}
		return nil
	})

	require.NoError(t, k.RegisterNative(testManifest("seo", types.CapWebhookEmit), &pluginFunc{activate: func(pc *PluginContext) error {
		return pc.Emit(pc.Context(), "audited", map[string]interface{}{"score": 93})
	}}))
	installEnabled(t, k, site, "seo")
	_, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, "seo", seen[0].PluginID)
	stored := eventsOfType(t, store, "seo.audited")
	require.Len(t, stored, 1)
	assert.EqualValues(t, 93, stored[0].Data["score"])

	require.NoError(t, k.Emit(ctx, site.ID, "post.published", map[string]interface{}{"id": 1}))
	assert.Len(t, eventsOfType(t, store, "post.published"), 1)
	assert.Error(t, k.Emit(ctx, site.ID, "plugin.loaded", nil), "kernel types are reserved")
}

func TestEventRecursionIsBounded(t *testing.T) {
	k, store := newTestKernel(t)
	var calls atomic.Int32
	k.Hooks().AddAction(hooks.KernelEvent, "echo", 10, func(ctx context.Context, args ...interface{}) error {
		calls.Add(1)
		return k.Emit(ctx, "", "echo.again", nil)
	})

	require.NoError(t, k.Emit(context.Background(), "", "echo.start", nil))
	assert.Equal(t, int32(maxEventDepth), calls.Load())
	assert.Len(t, eventsOfType(t, store, "echo.again"), maxEventDepth)
}

func TestHookFailuresAreRecorded(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	m := testManifest("flaky", types.CapHooksAction)
	m.Hooks = []manifest.HookDecl{{Name: "post.published", Kind: manifest.KindAction}}
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		_, err := pc.AddAction("post.published", 0, func(context.Context, ...interface{}) error {
			return errors.New("boom")
		})
		return err
	}}))
	installEnabled(t, k, site, "flaky")
	_, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	err = k.DoAction(ctx, site.ID, "post.published")
	require.Error(t, err)

	failed := eventsOfType(t, store, events.EventTypeHookFailed)
	require.Len(t, failed, 1)
	data, err := failed[0].GetHookFailedData()
	require.NoError(t, err)
	assert.Equal(t, "post.published", data.Hook)
	assert.Equal(t, "boom", data.Error)
	assert.Equal(t, "flaky", failed[0].PluginID)
}

func TestKernelEventFailuresDoNotLoop(t *testing.T) {
	k, store := newTestKernel(t)
	var calls atomic.Int32
	k.Hooks().AddAction(hooks.KernelEvent, "bad", 10, func(context.Context, ...interface{}) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	require.NoError(t, k.Emit(context.Background(), "", "post.published", nil))
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, eventsOfType(t, store, events.EventTypeHookFailed), 1)
}

func TestSiteScoping(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	a := createSite(t, store, "alpha")
	b := createSite(t, store, "beta")

	m := testManifest("counter", types.CapHooksAction)
	m.Hooks = []manifest.HookDecl{{Name: "post.published", Kind: manifest.KindAction}}
	var hits sync.Map
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		site := pc.SiteID()
		_, err := pc.AddAction("post.published", 0, func(context.Context, ...interface{}) error {
			hits.Store(site, true)
			return nil
		})
		return err
	}}))
	installEnabled(t, k, a, "counter")
	_, err := k.ActivateAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, k.ActiveSites())

	require.NoError(t, k.DoAction(ctx, b.ID, "post.published"))
	_, hit := hits.Load(a.ID)
	assert.False(t, hit, "plugin is not installed on beta")

	require.NoError(t, k.DoAction(ctx, a.ID, "post.published"))
	_, hit = hits.Load(a.ID)
	assert.True(t, hit)
}

func TestDisableAndUninstall(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	m := testManifest("seo", types.CapHooksFilter, types.CapSettingsWrite)
	m.Hooks = []manifest.HookDecl{{Name: "title", Kind: manifest.KindFilter}}
	impl := &pluginFunc{activate: func(pc *PluginContext) error {
		_, err := pc.AddFilter("title", 0, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
			return v.(string) + "!", nil
		})
		return err
	}}
	require.NoError(t, k.RegisterNative(m, impl))
	installEnabled(t, k, site, "seo")
	_, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	_, err = k.Install(ctx, site.ID, "seo", nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, k.SetSetting(ctx, site.ID, "seo", "x", json.RawMessage(`1`)))

	require.NoError(t, k.Disable(ctx, site.ID, "seo"))
	out, err := k.ApplyFilters(ctx, site.ID, "title", "Hi")
	require.NoError(t, err)
	assert.Equal(t, "Hi", out)
	assert.Equal(t, int32(1), impl.deactivated.Load())

	inst, err := store.GetInstallation(ctx, site.ID, "seo")
	require.NoError(t, err)
	assert.Equal(t, types.InstallInactive, inst.Status)

	require.NoError(t, k.Uninstall(ctx, site.ID, "seo"))
	_, err = store.GetInstallation(ctx, site.ID, "seo")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	settings, err := store.ListSettings(ctx, site.ID, "seo")
	require.NoError(t, err)
	assert.Empty(t, settings)
	assert.Len(t, eventsOfType(t, store, events.EventTypePluginUninstalled), 1)
}

func TestInstallValidation(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	createSite(t, store, "blog")
	require.NoError(t, k.RegisterNative(testManifest("seo", types.CapSettingsRead), &pluginFunc{}))

	_, err := k.Install(ctx, "blog", "ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	_, err = k.Install(ctx, "nope", "seo", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = k.Install(ctx, "blog", "seo", []types.Capability{types.CapAll})
	assert.ErrorContains(t, err, "did not request")

	inst, err := k.Install(ctx, "blog", "seo", []types.Capability{types.CapSettingsRead})
	require.NoError(t, err)
	assert.False(t, inst.Enabled)
	assert.Equal(t, "1.0.0", inst.Version)
}

func TestRegisterNativeRejectsInvalidAndDuplicates(t *testing.T) {
	k, _ := newTestKernel(t)
	bad := testManifest("bad")
	bad.API = "^2.0"
	assert.Error(t, k.RegisterNative(bad, &pluginFunc{}))

	require.NoError(t, k.RegisterNative(testManifest("ok"), &pluginFunc{}))
	assert.Error(t, k.RegisterNative(testManifest("ok"), &pluginFunc{}))
	assert.Error(t, k.RegisterNative(testManifest("nil"), nil))
}

func TestRegistrationsAreScopedAndRemoved(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	m := testManifest("shop", types.CapContentDomain, types.CapThemeTemplate, types.CapCronSchedule, types.CapHooksAction)
	m.Domains = []manifest.DomainDecl{{Name: "product", Label: "Products", Fields: []string{"sku", "price"}}}
	m.Templates = map[string]string{"product": "<h1>{{.Title}}</h1>"}
	m.Hooks = []manifest.HookDecl{{Name: "shop.sync", Kind: manifest.KindAction}}
	m.Cron = []manifest.CronDecl{{Name: "sync", Every: "1h", Action: "shop.sync"}}

	var synced atomic.Int32
	require.NoError(t, k.RegisterNative(m, &pluginFunc{activate: func(pc *PluginContext) error {
		if _, err := pc.AddAction("shop.sync", 0, func(context.Context, ...interface{}) error {
			synced.Add(1)
			return nil
		}); err != nil {
			return err
		}
		return pc.Schedule("report", time.Hour, func(context.Context) error { return nil })
	}}))
	installEnabled(t, k, site, "shop")
	_, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	domains := k.Domains(site.ID)
	require.Len(t, domains, 1)
	assert.Equal(t, "Products", domains[0].Label)

	_, ok := k.Themes().Resolve(site.ID, "product", "")
	assert.True(t, ok)

	jobs := k.Jobs().Jobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		if j.Name == "sync" {
			require.NoError(t, j.Fn(ctx))
		}
	}
	assert.Equal(t, int32(1), synced.Load(), "manifest cron fires its action")

	require.NoError(t, k.DeactivateSite(ctx, site.ID))
	assert.Empty(t, k.Domains(site.ID))
	assert.Empty(t, k.Jobs().Jobs())
	_, ok = k.Themes().Resolve(site.ID, "product", "")
	assert.False(t, ok)
	assert.Empty(t, k.ActiveSites())
}

func TestSetTheme(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	dark := testManifest("dark", types.CapThemeTemplate)
	dark.Theme = true
	dark.Templates = map[string]string{"page": "dark"}
	require.NoError(t, k.RegisterNative(dark, &pluginFunc{}))
	require.NoError(t, k.RegisterNative(testManifest("seo"), &pluginFunc{}))

	assert.Error(t, k.SetTheme(ctx, site.ID, "dark"), "not installed")
	installEnabled(t, k, site, "dark")
	installEnabled(t, k, site, "seo")
	assert.Error(t, k.SetTheme(ctx, site.ID, "seo"), "not a theme")
	require.NoError(t, k.SetTheme(ctx, site.ID, "dark"))

	got, err := store.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, "dark", got.Theme)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadPluginsAndReload(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "shout", "plugin.yaml"), `
id: shout
name: Shout
version: 1.0.0
api: ^1.0
capabilities: [hooks:filter]
hooks:
  - name: title
    kind: filter
script: main.lua
`)
	writeFile(t, filepath.Join(dir, "shout", "main.lua"), `
plinth.add_filter("title", function(v) return string.upper(v) end)
`)
	writeFile(t, filepath.Join(dir, "minimal", "plugin.yaml"), `
id: minimal
name: Minimal
version: 0.1.0
api: ^1.0
theme: true
capabilities: [theme:template]
templates:
  page: page.tmpl
`)
	writeFile(t, filepath.Join(dir, "minimal", "page.tmpl"), `<main>{{.Title}}</main>`)
	writeFile(t, filepath.Join(dir, "broken", "plugin.yaml"), `
id: broken
name: Broken
version: not-semver
api: ^1.0
`)

	report, err := k.LoadPlugins(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"minimal", "shout"}, report.Loaded)
	assert.Contains(t, report.Problems["broken"], "not semver")

	installEnabled(t, k, site, "shout")
	installEnabled(t, k, site, "minimal")
	activation, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"minimal", "shout"}, activation.Activated)

	out, err := k.ApplyFilters(ctx, site.ID, "title", "hello")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)
	_, ok := k.Themes().Resolve(site.ID, "page", "minimal")
	assert.True(t, ok)

	// Change the script and reload.
	writeFile(t, filepath.Join(dir, "shout", "main.lua"), `
plinth.add_filter("title", function(v) return v .. "!!" end)
`)
	_, err = k.Reload(ctx)
	require.NoError(t, err)

	out, err = k.ApplyFilters(ctx, site.ID, "title", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello!!", out)
	assert.Equal(t, []string{"minimal", "shout"}, k.ActivePlugins(site.ID))

	st := k.Status()
	require.Len(t, st.Plugins, 2)
	assert.Equal(t, SourceDeclarative, st.Plugins[0].Source)
	assert.Equal(t, SourceScript, st.Plugins[1].Source)
	assert.Equal(t, []string{"minimal", "shout"}, st.ActiveSites[site.ID])
}

func TestLoadPluginsMissingDir(t *testing.T) {
	k, _ := newTestKernel(t)
	report, err := k.LoadPlugins(context.Background(), filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
}

func writeScriptPlugin(t *testing.T, dir, id, version, body string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, id, "plugin.yaml"), `
id: `+id+`
name: `+id+`
version: `+version+`
api: ^1.0
capabilities: [hooks:filter]
hooks:
  - name: title
    kind: filter
script: main.lua
`)
	writeFile(t, filepath.Join(dir, id, "main.lua"), body)
}

func TestSpinningCallbackIsInterrupted(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")
	dir := t.TempDir()
	writeScriptPlugin(t, dir, "spin", "1.0.0", `
plinth.add_filter("title", function(v) while true do end end)
`)
	_, err := k.LoadPlugins(ctx, dir)
	require.NoError(t, err)
	installEnabled(t, k, site, "spin")
	_, err = k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	out, err := k.ApplyFilters(ctx, site.ID, "title", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, hooks.ErrTimeout)
	assert.Equal(t, "hello", out)

	done := make(chan error, 1)
	go func() { done <- k.DeactivateSite(ctx, site.ID) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("DeactivateSite blocked behind a spinning script")
	}
	assert.Empty(t, k.ActivePlugins(site.ID))
}

func TestSpinningTopLevelScriptFailsActivation(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")
	dir := t.TempDir()
	writeScriptPlugin(t, dir, "spin", "1.0.0", `while true do end`)
	_, err := k.LoadPlugins(ctx, dir)
	require.NoError(t, err)
	installEnabled(t, k, site, "spin")

	type activation struct {
		report *SiteReport
		err    error
	}
	done := make(chan activation, 1)
	go func() {
		report, err := k.ActivateSite(ctx, site.ID)
		done <- activation{report, err}
	}()
	var got activation
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ActivateSite blocked behind a spinning script")
	}
	require.NoError(t, got.err)
	assert.Empty(t, got.report.Activated)
	assert.Contains(t, got.report.Errored, "spin")

	inst, err := store.GetInstallation(ctx, site.ID, "spin")
	require.NoError(t, err)
	assert.Equal(t, types.InstallErrored, inst.Status)
}

func TestLoadPluginsKeepsActiveScriptedPlugin(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")
	dir := t.TempDir()
	writeScriptPlugin(t, dir, "shout", "1.0.0", `
plinth.add_filter("title", function(v) return string.upper(v) end)
`)
	_, err := k.LoadPlugins(ctx, dir)
	require.NoError(t, err)
	installEnabled(t, k, site, "shout")
	_, err = k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)

	other := t.TempDir()
	writeScriptPlugin(t, other, "shout", "2.0.0", `
plinth.add_filter("title", function(v) return v .. "?" end)
`)
	report, err := k.LoadPlugins(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	assert.Contains(t, report.Problems["shout"], "active")

	m, ok := k.Manifest("shout")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", m.Version)
	out, err := k.ApplyFilters(ctx, site.ID, "title", "hello")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)

	// Once the site is down the plugin can be replaced.
	require.NoError(t, k.DeactivateSite(ctx, site.ID))
	report, err = k.LoadPlugins(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []string{"shout"}, report.Loaded)
	m, _ = k.Manifest("shout")
	assert.Equal(t, "2.0.0", m.Version)
}

func TestRequiredSettingGatesActivation(t *testing.T) {
	k, store := newTestKernel(t)
	ctx := context.Background()
	site := createSite(t, store, "blog")

	m := testManifest("analytics", types.CapSettingsRead)
	m.Settings = []manifest.SettingSpec{{Key: "tracking_id", Type: "string", Required: true}}
	p := &pluginFunc{}
	require.NoError(t, k.RegisterNative(m, p))
	installEnabled(t, k, site, "analytics")

	report, err := k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Activated)
	assert.Contains(t, report.Errored["analytics"], "tracking_id")
	inst, err := store.GetInstallation(ctx, site.ID, "analytics")
	require.NoError(t, err)
	assert.Equal(t, types.InstallErrored, inst.Status)

	require.NoError(t, k.SetSetting(ctx, "blog", "analytics", "tracking_id", json.RawMessage(`"UA-1"`)))
	report, err = k.ActivateSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics"}, report.Activated)
}

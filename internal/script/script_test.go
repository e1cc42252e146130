package script

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

	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/types"
)

type emitted struct {
	name string
	data map[string]interface{}
}

type fakeHost struct {
	site     string
	registry *hooks.Registry
	denyAll  bool

	mu       sync.Mutex
	settings map[string]json.RawMessage
	emits    []emitted
	onEmit   func(ctx context.Context)
}

func newFakeHost(site string) *fakeHost {
	return &fakeHost{site: site, registry: hooks.NewRegistry(), settings: make(map[string]json.RawMessage)}
}

func (h *fakeHost) PluginID() string         { return "lua-test" }
func (h *fakeHost) SiteID() string           { return h.site }
func (h *fakeHost) Context() context.Context { return context.Background() }
func (h *fakeHost) Logger() *zap.Logger      { return zap.NewNop() }

func (h *fakeHost) AddAction(hook string, priority int, fn hooks.ActionFunc) (hooks.Handle, error) {
	if h.denyAll {
		return 0, errors.New("capability denied: hooks:action")
	}
	if priority == 0 {
		priority = hooks.DefaultPriority
	}
	return h.registry.AddAction(hook, h.PluginID(), priority, fn, hooks.ForSite(h.site)), nil
}

func (h *fakeHost) AddFilter(hook string, priority int, fn hooks.FilterFunc) (hooks.Handle, error) {
	if priority == 0 {
		priority = hooks.DefaultPriority
	}
	return h.registry.AddFilter(hook, h.PluginID(), priority, fn, hooks.ForSite(h.site)), nil
}

func (h *fakeHost) Setting(_ context.Context, key string) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.settings[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return v, nil
}

func (h *fakeHost) SetSetting(_ context.Context, key string, value json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings[key] = value
	return nil
}

func (h *fakeHost) Emit(ctx context.Context, name string, data map[string]interface{}) error {
	h.mu.Lock()
	h.emits = append(h.emits, emitted{name: name, data: data})
	h.mu.Unlock()
	if h.onEmit != nil {
		h.onEmit(ctx)
	}
	return nil
}

func siteCtx(site string) context.Context {
	return hooks.WithSite(context.Background(), site)
}

func load(t *testing.T, host *fakeHost, src string) *Interpreter {
	t.Helper()
	interp := NewInterpreter(host)
	require.NoError(t, interp.LoadString(context.Background(), src))
	return interp
}

func TestFilterFromLua(t *testing.T) {
	host := newFakeHost("s1")
	load(t, host, `
		plinth.add_filter("title", 5, function(value, suffix)
			return string.upper(value) .. suffix
		end)
	`)

	out, err := host.registry.ApplyFilters(siteCtx("s1"), "title", "hello", "!")
	require.NoError(t, err)
	assert.Equal(t, "HELLO!", out)

	infos := host.registry.Callbacks("title")
	require.Len(t, infos, 1)
	assert.Equal(t, 5, infos[0].Priority)
}

func TestActionAndSettings(t *testing.T) {
	host := newFakeHost("s1")
	host.settings["greeting"] = json.RawMessage(`"hi"`)
	load(t, host, `
		plinth.add_action("post.published", function(post)
			local greeting = plinth.setting("greeting")
			plinth.set_setting("last", { title = post.title, greeting = greeting, missing = plinth.setting("nope") })
			plinth.emit("seen", { id = post.id, tags = { "a", "b" } })
		end)
	`)

	err := host.registry.DoAction(siteCtx("s1"), "post.published", map[string]interface{}{"id": 7, "title": "Launch"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"title":"Launch","greeting":"hi"}`, string(host.settings["last"]))
	require.Len(t, host.emits, 1)
	assert.Equal(t, "seen", host.emits[0].name)
	assert.Equal(t, int64(7), host.emits[0].data["id"])
	assert.Equal(t, []interface{}{"a", "b"}, host.emits[0].data["tags"])
}

func TestLuaErrorsSurfaceAsHookErrors(t *testing.T) {
	host := newFakeHost("s1")
	load(t, host, `
		plinth.add_filter("title", function(value) error("nope") end)
		plinth.add_filter("title", 20, function(value) return value .. "?" end)
	`)

	out, err := host.registry.ApplyFilters(siteCtx("s1"), "title", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, "x?", out, "the failing callback is skipped")
}

func TestTypedValuesSurviveFilters(t *testing.T) {
	host := newFakeHost("s1")
	load(t, host, `
		plinth.add_filter("site", function(site)
			site.name = site.name .. " (staging)"
			return site
		end)
	`)

	in := &types.Site{ID: "s1", Slug: "blog", Name: "Blog"}
	out, err := host.registry.ApplyFilters(siteCtx("s1"), "site", in)
	require.NoError(t, err)
	site, ok := out.(*types.Site)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "Blog (staging)", site.Name)
	assert.Equal(t, "blog", site.Slug)
}

func TestFilterReturningNil(t *testing.T) {
	host := newFakeHost("s1")
	load(t, host, `plinth.add_filter("drop", function(v) return nil end)`)
	out, err := host.registry.ApplyFilters(siteCtx("s1"), "drop", map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHostErrorsFailTheScript(t *testing.T) {
	host := newFakeHost("s1")
	host.denyAll = true
	interp := NewInterpreter(host)
	err := interp.LoadString(context.Background(), `plinth.add_action("x", function() end)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability denied")
}

func TestSandbox(t *testing.T) {
	host := newFakeHost("s1")
	interp := NewInterpreter(host)
	assert.Error(t, interp.LoadString(context.Background(), `io.open("/etc/passwd")`))
	assert.Error(t, interp.LoadString(context.Background(), `dofile("/tmp/x.lua")`))
	assert.Error(t, interp.LoadString(context.Background(), `os.exit(1)`))
	require.NoError(t, interp.LoadString(context.Background(), `assert(plinth.site_id == "s1" and plinth.plugin_id == "lua-test")`))
}

func TestReentrantCallIsRefused(t *testing.T) {
	host := newFakeHost("s1")
	var dispatchErr error
	host.onEmit = func(ctx context.Context) {
		dispatchErr = host.registry.DoAction(ctx, "echo")
	}
	load(t, host, `
		plinth.add_action("echo", function() end)
		plinth.add_action("outer", function() plinth.emit("ping", {}) end)
	`)

	require.NoError(t, host.registry.DoAction(siteCtx("s1"), "outer"))
	assert.ErrorIs(t, dispatchErr, ErrReentrant)
	assert.Len(t, host.emits, 1)
}

func TestClosedInterpreter(t *testing.T) {
	host := newFakeHost("s1")
	interp := load(t, host, `plinth.add_action("x", function() end)`)
	interp.Close()
	err := host.registry.DoAction(siteCtx("s1"), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunawayChunkIsInterrupted(t *testing.T) {
	interp := NewInterpreter(newFakeHost("s1"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := interp.LoadString(ctx, `while true do end`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")

	// The interpreter stays usable once the runaway chunk is gone.
	require.NoError(t, interp.LoadString(context.Background(), `x = 1`))
}

func TestCloseDoesNotWaitForRunningCall(t *testing.T) {
	host := newFakeHost("s1")
	interp := load(t, host, `plinth.add_action("spin", function() while true do end end)`)

	done := make(chan error, 1)
	go func() { done <- host.registry.DoAction(siteCtx("s1"), "spin") }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		interp.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for the running call")
	}
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("running call was not aborted by Close")
	}
	assert.True(t, interp.Closed())
}

func TestPluginActivateIsBounded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`while true do end`), 0o644))
	p, err := New(&manifest.Manifest{ID: "lua-test", Script: "main.lua", Dir: dir}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Error(t, p.Activate(newFakeHost("s1")))
	assert.Equal(t, 0, p.Sites())
}

func TestPluginPerSiteInterpreters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`
		local count = 0
		plinth.add_filter("counter", function(v)
			count = count + 1
			return plinth.site_id .. ":" .. count
		end)
	`), 0o644))
	p, err := New(&manifest.Manifest{ID: "lua-test", Script: "main.lua", Dir: dir}, 0)
	require.NoError(t, err)

	h1, h2 := newFakeHost("s1"), newFakeHost("s2")
	h2.registry = h1.registry
	require.NoError(t, p.Activate(h1))
	require.NoError(t, p.Activate(h2))
	assert.Equal(t, 2, p.Sites())

	out, _ := h1.registry.ApplyFilters(siteCtx("s1"), "counter", "")
	assert.Equal(t, "s1:1", out)
	out, _ = h1.registry.ApplyFilters(siteCtx("s1"), "counter", "")
	assert.Equal(t, "s1:2", out)
	out, _ = h1.registry.ApplyFilters(siteCtx("s2"), "counter", "")
	assert.Equal(t, "s2:1", out, "sites do not share interpreter state")

	require.NoError(t, p.Deactivate(h1))
	assert.Equal(t, 1, p.Sites())
}

func TestNewRequiresScript(t *testing.T) {
	_, err := New(&manifest.Manifest{ID: "x"}, 0)
	assert.Error(t, err)
	_, err = New(&manifest.Manifest{ID: "x", Script: "missing.lua", Dir: t.TempDir()}, 0)
	assert.Error(t, err)
}

func TestPluginActivateFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`this is not lua`), 0o644))
	p, err := New(&manifest.Manifest{ID: "lua-test", Script: "main.lua", Dir: dir}, 0)
	require.NoError(t, err)
	assert.Error(t, p.Activate(newFakeHost("s1")))
	assert.Equal(t, 0, p.Sites())
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, 3, coerce(1, int64(3)))
	assert.Equal(t, "x", coerce("a", "x"))
	assert.Nil(t, coerce("a", nil))

	orig := map[string]interface{}{"site": &types.Site{Name: "a"}, "n": 1}
	out := coerce(orig, map[string]interface{}{"site": map[string]interface{}{"name": "b"}, "n": int64(2), "extra": true})
	m := out.(map[string]interface{})
	assert.Equal(t, "b", m["site"].(*types.Site).Name)
	assert.Equal(t, 2, m["n"])
	assert.Equal(t, true, m["extra"])
}

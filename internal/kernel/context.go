package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/auth"
	"github.com/plinthcms/plinth/internal/cron"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/storage"
	"github.com/plinthcms/plinth/internal/types"
)

var eventNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// PluginContext is a plugin's handle on the kernel for one site. Every
// privileged call is checked against the capabilities the site granted.
type PluginContext struct {
	k        *Kernel
	manifest *manifest.Manifest
	siteID   string
	ctx      context.Context
	logger   *zap.Logger
}

func newPluginContext(ctx context.Context, k *Kernel, m *manifest.Manifest, siteID string) *PluginContext {
	return &PluginContext{
		k:        k,
		manifest: m,
		siteID:   siteID,
		ctx:      hooks.WithSite(context.WithoutCancel(ctx), siteID),
		logger:   k.logger.With(zap.String("plugin", m.ID), zap.String("site", siteID)),
	}
}

// PluginID returns the plugin's id.
func (pc *PluginContext) PluginID() string { return pc.manifest.ID }

// SiteID returns the site this context is bound to.
func (pc *PluginContext) SiteID() string { return pc.siteID }

// Manifest returns the plugin's manifest.
func (pc *PluginContext) Manifest() *manifest.Manifest { return pc.manifest }

// Context returns the site-scoped context the plugin was activated with.
func (pc *PluginContext) Context() context.Context { return pc.ctx }

// Logger returns a logger tagged with the plugin and site.
func (pc *PluginContext) Logger() *zap.Logger { return pc.logger }

func (pc *PluginContext) require(ctx context.Context, c types.Capability) error {
	return pc.k.checker.Check(ctx, pc.manifest.ID, pc.siteID, c)
}

// AddAction attaches an action callback. The hook must be declared in the
// manifest as an action; priority 0 uses the declared priority.
func (pc *PluginContext) AddAction(hook string, priority int, fn hooks.ActionFunc) (hooks.Handle, error) {
	if err := pc.require(pc.ctx, types.CapHooksAction); err != nil {
		return 0, err
	}
	decl, ok := pc.manifest.Hook(hook, manifest.KindAction)
	if !ok {
		return 0, fmt.Errorf("%w: %s action %s", ErrUndeclaredHook, pc.manifest.ID, hook)
	}
	if priority == 0 {
		priority = declaredPriority(decl)
	}
	return pc.k.hooks.AddAction(hook, pc.manifest.ID, priority, fn, hooks.ForSite(pc.siteID)), nil
}

// AddFilter attaches a filter callback under the same rules as AddAction.
func (pc *PluginContext) AddFilter(hook string, priority int, fn hooks.FilterFunc) (hooks.Handle, error) {
	if err := pc.require(pc.ctx, types.CapHooksFilter); err != nil {
		return 0, err
	}
	decl, ok := pc.manifest.Hook(hook, manifest.KindFilter)
	if !ok {
		return 0, fmt.Errorf("%w: %s filter %s", ErrUndeclaredHook, pc.manifest.ID, hook)
	}
	if priority == 0 {
		priority = declaredPriority(decl)
	}
	return pc.k.hooks.AddFilter(hook, pc.manifest.ID, priority, fn, hooks.ForSite(pc.siteID)), nil
}

// Setting returns a setting value, falling back to the manifest default.
// An unset key without a default returns storage.ErrNotFound.
func (pc *PluginContext) Setting(ctx context.Context, key string) (json.RawMessage, error) {
	if err := pc.require(ctx, types.CapSettingsRead); err != nil {
		return nil, err
	}
	return pc.k.readSetting(ctx, pc.siteID, pc.manifest, key)
}

// SetSetting writes a setting after checking it against the manifest's
// declared type.
func (pc *PluginContext) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	if err := pc.require(ctx, types.CapSettingsWrite); err != nil {
		return err
	}
	return pc.k.writeSetting(ctx, pc.siteID, pc.manifest.ID, pc.manifest, key, value)
}

// Emit records a custom event named "<plugin-id>.<name>". It is stored,
// passed to kernel.event and delivered to matching webhooks.
func (pc *PluginContext) Emit(ctx context.Context, name string, data map[string]interface{}) error {
	if err := pc.require(ctx, types.CapWebhookEmit); err != nil {
		return err
	}
	if !eventNamePattern.MatchString(name) {
		return fmt.Errorf("invalid event name %q", name)
	}
	eventType := events.PluginType(pc.manifest.ID, name)
	pc.k.Record(ctx, events.New(eventType, pc.siteID, pc.manifest.ID, events.SeverityInfo,
		string(eventType), data))
	return nil
}

// RegisterAuthProvider adds a login provider for the site.
func (pc *PluginContext) RegisterAuthProvider(p auth.Provider) error {
	if err := pc.require(pc.ctx, types.CapAuthProvider); err != nil {
		return err
	}
	return pc.k.auth.Register(pc.siteID, pc.manifest.ID, p)
}

// RegisterTemplate contributes a template to a slot.
func (pc *PluginContext) RegisterTemplate(slot, source string, priority int) error {
	if err := pc.require(pc.ctx, types.CapThemeTemplate); err != nil {
		return err
	}
	return pc.k.themes.Register(pc.siteID, pc.manifest.ID, slot, priority, source)
}

// Schedule registers a periodic job for the site. Intervals below one
// minute are rejected.
func (pc *PluginContext) Schedule(name string, interval time.Duration, fn cron.JobFunc) error {
	if err := pc.require(pc.ctx, types.CapCronSchedule); err != nil {
		return err
	}
	return pc.k.jobs.Add(cron.Job{
		SiteID:   pc.siteID,
		PluginID: pc.manifest.ID,
		Name:     name,
		Interval: interval,
		Fn:       fn,
	})
}

// RegisterDataDomain adds a content type to the site. A domain declared
// in the manifest keeps its declared label.
func (pc *PluginContext) RegisterDataDomain(name string, fields []string) error {
	if err := pc.require(pc.ctx, types.CapContentDomain); err != nil {
		return err
	}
	d := DataDomain{SiteID: pc.siteID, PluginID: pc.manifest.ID, Name: name, Fields: fields}
	for _, decl := range pc.manifest.Domains {
		if decl.Name == name {
			d.Label = decl.Label
		}
	}
	return pc.k.domains.register(d)
}

// AnalyticsCounts reads the site's daily analytics aggregates.
func (pc *PluginContext) AnalyticsCounts(ctx context.Context, from, to time.Time) ([]*types.AnalyticsCount, error) {
	if err := pc.require(ctx, types.CapAnalyticsRead); err != nil {
		return nil, err
	}
	return pc.k.store.AnalyticsCounts(ctx, pc.siteID, from, to)
}

// HTTPClient returns the kernel's outbound HTTP client.
func (pc *PluginContext) HTTPClient() (*http.Client, error) {
	if err := pc.require(pc.ctx, types.CapHTTPOutbound); err != nil {
		return nil, err
	}
	return pc.k.httpClient, nil
}

// readSetting loads a stored value or the manifest default.
func (k *Kernel) readSetting(ctx context.Context, siteID string, m *manifest.Manifest, key string) (json.RawMessage, error) {
	pluginID := manifest.CoreID
	if m != nil {
		pluginID = m.ID
	}
	s, err := k.store.GetSetting(ctx, siteID, pluginID, key)
	if err == nil {
		return s.Value, nil
	}
	if !errors.Is(err, storage.ErrNotFound) || m == nil {
		return nil, err
	}
	defaults, derr := m.SettingsDefaults()
	if derr != nil {
		return nil, derr
	}
	if def, ok := defaults[key]; ok {
		return def, nil
	}
	return nil, err
}

// writeSetting validates, stores and announces a setting change.
func (k *Kernel) writeSetting(ctx context.Context, siteID, pluginID string, m *manifest.Manifest, key string, value json.RawMessage) error {
	if m != nil {
		if err := m.CheckRaw(key, value); err != nil {
			return err
		}
	}
	setting := &types.Setting{SiteID: siteID, PluginID: pluginID, Key: key, Value: value}
	if err := setting.Validate(); err != nil {
		return err
	}
	if err := k.store.SetSetting(ctx, setting); err != nil {
		return err
	}

	event := events.New(events.EventTypeSettingsChanged, siteID, pluginID, events.SeverityInfo,
		"setting "+key+" changed", nil)
	_ = event.SetData(events.SettingsChangedData{Key: key})
	k.Record(ctx, event)

	_ = k.hooks.DoAction(hooks.WithSite(ctx, siteID), hooks.SettingsChanged, pluginID, key, value)
	return nil
}

func declaredPriority(decl manifest.HookDecl) int {
	if decl.Priority == 0 {
		return manifest.DefaultPriority
	}
	return decl.Priority
}

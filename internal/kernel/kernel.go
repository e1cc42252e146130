// Package kernel composes plugins into sites. It loads and validates
// manifests, orders plugins by their dependencies, activates installations
// per site with failure isolation, and exposes the capability-checked
// PluginContext through which plugins reach hooks, settings, events,
// auth providers, templates, cron jobs and data domains.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/auth"
	"github.com/plinthcms/plinth/internal/capability"
	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/cron"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/storage"
	"github.com/plinthcms/plinth/internal/theme"
	"github.com/plinthcms/plinth/internal/types"
)

// maxEventDepth bounds how deep event recording may nest through
// kernel.event callbacks that emit further events.
const maxEventDepth = 4

var (
	// ErrUnknownPlugin is returned for plugin ids no loaded manifest has.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrUndeclaredHook is returned when a plugin attaches to a hook its
	// manifest does not declare.
	ErrUndeclaredHook = errors.New("hook not declared in manifest")

	// ErrMissingSetting fails activation while a required setting is unset.
	ErrMissingSetting = errors.New("required setting not set")
)

// Option configures a Kernel.
type Option func(*Kernel)

// WithHooks uses an existing hook registry. The kernel becomes its
// failure observer.
func WithHooks(r *hooks.Registry) Option {
	return func(k *Kernel) { k.hooks = r }
}

// WithHTTPClient sets the client handed to plugins granted http:outbound.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Kernel) { k.httpClient = c }
}

// Kernel is the plugin composition engine.
type Kernel struct {
	cfg        config.Config
	store      storage.Storage
	logger     *zap.Logger
	hooks      *hooks.Registry
	checker    *capability.Checker
	auth       *auth.Registry
	themes     *theme.Registry
	jobs       *cron.Scheduler
	domains    *domainRegistry
	httpClient *http.Client

	// opMu serializes lifecycle operations: loading, installing and
	// (de)activating.
	opMu sync.Mutex

	mu       sync.RWMutex
	dirs     []string
	plugins  map[string]*entry
	order    []string
	problems map[string]error
	active   map[string]*siteState
}

// siteState is the set of plugins live on an active site, in activation
// order.
type siteState struct {
	site     *types.Site
	order    []string
	contexts map[string]*PluginContext
}

// New creates a kernel. Call LoadPlugins and RegisterNative, then
// ActivateSite or ActivateAll.
func New(cfg config.Config, store storage.Storage, logger *zap.Logger, opts ...Option) *Kernel {
	k := &Kernel{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		checker:  capability.NewChecker(store),
		auth:     auth.NewRegistry(),
		themes:   theme.NewRegistry(),
		jobs:     cron.NewScheduler(),
		domains:  newDomainRegistry(),
		plugins:  make(map[string]*entry),
		problems: make(map[string]error),
		active:   make(map[string]*siteState),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.hooks == nil {
		k.hooks = hooks.NewRegistry(hooks.WithTimeout(cfg.HookTimeout))
	}
	k.hooks.SetObserver(k)
	if k.httpClient == nil {
		k.httpClient = &http.Client{Timeout: cfg.Webhook.Timeout}
	}
	return k
}

// Hooks returns the hook registry.
func (k *Kernel) Hooks() *hooks.Registry { return k.hooks }

// Auth returns the plugin auth provider registry.
func (k *Kernel) Auth() *auth.Registry { return k.auth }

// Themes returns the template registry.
func (k *Kernel) Themes() *theme.Registry { return k.themes }

// Jobs returns the cron job table.
func (k *Kernel) Jobs() *cron.Scheduler { return k.jobs }

// Store returns the storage backend.
func (k *Kernel) Store() storage.Storage { return k.store }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.logger }

type depthKey struct{}

// Record persists an event and runs the kernel.event action with it.
// Events recorded from within kernel.event callbacks nest at most
// maxEventDepth levels; deeper events are stored but not dispatched.
func (k *Kernel) Record(ctx context.Context, event *events.Event) {
	depth, _ := ctx.Value(depthKey{}).(int)
	k.record(ctx, event, depth < maxEventDepth)
}

func (k *Kernel) record(ctx context.Context, event *events.Event, dispatch bool) {
	ctx = context.WithoutCancel(ctx)
	if err := k.store.StoreEvent(ctx, event); err != nil {
		k.logger.Error("failed to store event",
			zap.String("type", string(event.Type)),
			zap.String("site", event.SiteID),
			zap.Error(err))
	}
	k.logger.Debug("event",
		zap.String("type", string(event.Type)),
		zap.String("site", event.SiteID),
		zap.String("plugin", event.PluginID),
		zap.String("message", event.Message))
	if !dispatch {
		return
	}

	depth, _ := ctx.Value(depthKey{}).(int)
	dctx := context.WithValue(hooks.WithSite(ctx, event.SiteID), depthKey{}, depth+1)
	// Callback failures reach HookFailed; nothing more to do here.
	_ = k.hooks.DoAction(dctx, hooks.KernelEvent, event)
}

// HookFailed implements hooks.Observer: it logs the failure and records a
// hook.failed event. Failures of kernel.event callbacks are stored but not
// dispatched again.
func (k *Kernel) HookFailed(ctx context.Context, herr *hooks.HookError) {
	k.logger.Warn("hook callback failed",
		zap.String("hook", herr.Hook),
		zap.String("kind", string(herr.Kind)),
		zap.String("plugin", herr.PluginID),
		zap.String("site", herr.SiteID),
		zap.Bool("panicked", herr.Panicked),
		zap.Bool("timed_out", herr.TimedOut),
		zap.Error(herr.Err))

	event := events.NewHookFailedEvent(herr.SiteID, herr.PluginID, events.HookFailedData{
		Hook:     herr.Hook,
		Kind:     string(herr.Kind),
		Error:    herr.Err.Error(),
		Panicked: herr.Panicked,
		TimedOut: herr.TimedOut,
	})
	if herr.Hook == hooks.KernelEvent {
		k.record(ctx, event, false)
		return
	}
	k.Record(ctx, event)
}

// Site resolves a site by id or slug.
func (k *Kernel) Site(ctx context.Context, ref string) (*types.Site, error) {
	site, err := k.store.GetSite(ctx, ref)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	site, err = k.store.GetSiteBySlug(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", ref, err)
	}
	return site, nil
}

package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/storage"
	"github.com/plinthcms/plinth/internal/types"
)

// SiteReport is the outcome of activating one site.
type SiteReport struct {
	SiteID    string            `json:"site_id"`
	Slug      string            `json:"slug"`
	Activated []string          `json:"activated"`
	Errored   map[string]string `json:"errored,omitempty"`
}

// ActivateSite activates every enabled installation of a site in
// dependency order. A plugin whose activation fails is marked errored and
// its partial registrations are removed; the others continue. An already
// active site is deactivated first.
func (k *Kernel) ActivateSite(ctx context.Context, siteRef string) (*SiteReport, error) {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return nil, err
	}
	k.opMu.Lock()
	defer k.opMu.Unlock()
	return k.activateSiteLocked(ctx, site)
}

// ActivateAll activates every site.
func (k *Kernel) ActivateAll(ctx context.Context) ([]*SiteReport, error) {
	sites, err := k.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	k.opMu.Lock()
	defer k.opMu.Unlock()
	reports := make([]*SiteReport, 0, len(sites))
	for _, site := range sites {
		report, err := k.activateSiteLocked(ctx, site)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (k *Kernel) activateSiteLocked(ctx context.Context, site *types.Site) (*SiteReport, error) {
	k.deactivateSiteLocked(ctx, site.ID)

	installs, err := k.store.ListInstallations(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations of %s: %w", site.Slug, err)
	}
	byPlugin := make(map[string]*types.Installation, len(installs))
	for _, inst := range installs {
		byPlugin[inst.PluginID] = inst
	}

	k.mu.RLock()
	order := append([]string(nil), k.order...)
	k.mu.RUnlock()

	state := &siteState{site: site, contexts: make(map[string]*PluginContext)}
	report := &SiteReport{SiteID: site.ID, Slug: site.Slug, Activated: []string{}, Errored: make(map[string]string)}
	fail := func(id string, phase string, err error) {
		report.Errored[id] = err.Error()
		k.markErrored(ctx, site.ID, id, phase, err)
	}

	handled := make(map[string]bool, len(order))
	for _, id := range order {
		inst, ok := byPlugin[id]
		if !ok {
			continue
		}
		handled[id] = true
		if !inst.Enabled {
			k.setStatus(ctx, site.ID, id, types.InstallInactive, "")
			continue
		}

		e, err := k.entry(id)
		if err != nil {
			fail(id, "activate", err)
			continue
		}
		if err := missingDependency(e, state); err != nil {
			fail(id, "activate", err)
			continue
		}

		pc, err := k.activatePlugin(ctx, site, e)
		if err != nil {
			fail(id, "activate", err)
			continue
		}
		state.order = append(state.order, id)
		state.contexts[id] = pc
		report.Activated = append(report.Activated, id)
		k.setStatus(ctx, site.ID, id, types.InstallActive, "")
		k.Record(ctx, events.New(events.EventTypePluginActivated, site.ID, id, events.SeverityInfo,
			"plugin "+id+" activated on "+site.Slug, nil))
	}

	// Installations of plugins that did not resolve or are not loaded.
	var leftovers []string
	for id := range byPlugin {
		if !handled[id] {
			leftovers = append(leftovers, id)
		}
	}
	sort.Strings(leftovers)
	for _, id := range leftovers {
		inst := byPlugin[id]
		if !inst.Enabled {
			k.setStatus(ctx, site.ID, id, types.InstallInactive, "")
			continue
		}
		problem := k.Problem(id)
		if problem == nil {
			problem = errNotLoaded
		}
		fail(id, "resolve", problem)
	}

	k.mu.Lock()
	k.active[site.ID] = state
	k.mu.Unlock()

	k.logger.Info("site activated",
		zap.String("site", site.Slug),
		zap.Strings("plugins", report.Activated),
		zap.Int("errored", len(report.Errored)))
	return report, nil
}

func missingDependency(e *entry, state *siteState) error {
	reqs, err := e.manifest.Requirements()
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if _, ok := state.contexts[req.ID]; !ok {
			return fmt.Errorf("dependency %s is not active on this site", req.ID)
		}
	}
	return nil
}

// activatePlugin applies the manifest's declarative registrations, then
// runs the plugin's Activate. On failure everything the plugin registered
// for the site is removed.
func (k *Kernel) activatePlugin(ctx context.Context, site *types.Site, e *entry) (*PluginContext, error) {
	pc := newPluginContext(ctx, k, e.manifest, site.ID)
	err := k.checkRequiredSettings(ctx, site.ID, e.manifest)
	if err == nil {
		err = k.applyManifest(pc)
	}
	if err == nil {
		err = safeCall(func() error { return e.plugin.Activate(pc) })
	}
	if err != nil {
		if d, ok := e.plugin.(Deactivator); ok {
			_ = safeCall(func() error { return d.Deactivate(pc) })
		}
		k.removeRegistrations(site.ID, e.manifest.ID)
		return nil, err
	}
	return pc, nil
}

// checkRequiredSettings fails when a required setting has no stored value
// on the site.
func (k *Kernel) checkRequiredSettings(ctx context.Context, siteID string, m *manifest.Manifest) error {
	for _, s := range m.Settings {
		if !s.Required {
			continue
		}
		_, err := k.store.GetSetting(ctx, siteID, m.ID, s.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrMissingSetting, s.Key)
		}
		if err != nil {
			return fmt.Errorf("setting %s: %w", s.Key, err)
		}
	}
	return nil
}

// applyManifest registers the templates, cron entries and data domains a
// manifest declares.
func (k *Kernel) applyManifest(pc *PluginContext) error {
	m := pc.manifest
	slots := make([]string, 0, len(m.Templates))
	for slot := range m.Templates {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		source := m.Templates[slot]
		if m.Dir != "" {
			data, err := os.ReadFile(filepath.Join(m.Dir, source))
			if err != nil {
				return fmt.Errorf("template %s: %w", slot, err)
			}
			source = string(data)
		}
		if err := pc.RegisterTemplate(slot, source, hooks.DefaultPriority); err != nil {
			return fmt.Errorf("template %s: %w", slot, err)
		}
	}

	for _, c := range m.Cron {
		interval, err := c.Interval()
		if err != nil {
			return fmt.Errorf("cron %s: %w", c.Name, err)
		}
		action, siteID := c.Action, pc.siteID
		err = pc.Schedule(c.Name, interval, func(ctx context.Context) error {
			return k.hooks.DoAction(hooks.WithSite(ctx, siteID), action)
		})
		if err != nil {
			return fmt.Errorf("cron %s: %w", c.Name, err)
		}
	}

	for _, d := range m.Domains {
		if err := pc.RegisterDataDomain(d.Name, d.Fields); err != nil {
			return fmt.Errorf("domain %s: %w", d.Name, err)
		}
	}
	return nil
}

func (k *Kernel) removeRegistrations(siteID, pluginID string) {
	k.hooks.RemoveSitePlugin(siteID, pluginID)
	k.auth.RemoveSitePlugin(siteID, pluginID)
	k.themes.RemoveSitePlugin(siteID, pluginID)
	k.jobs.RemoveSitePlugin(siteID, pluginID)
	k.domains.removeSitePlugin(siteID, pluginID)
}

// safeCall turns a panic in plugin code into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// DeactivateSite deactivates every plugin on a site in reverse activation
// order. Deactivating an inactive site is a no-op.
func (k *Kernel) DeactivateSite(ctx context.Context, siteRef string) error {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return err
	}
	k.opMu.Lock()
	defer k.opMu.Unlock()
	k.deactivateSiteLocked(ctx, site.ID)
	return nil
}

// Shutdown deactivates every active site.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	for _, siteID := range k.ActiveSites() {
		k.deactivateSiteLocked(ctx, siteID)
	}
}

func (k *Kernel) deactivateSiteLocked(ctx context.Context, siteID string) {
	k.mu.Lock()
	state, ok := k.active[siteID]
	delete(k.active, siteID)
	k.mu.Unlock()
	if !ok {
		return
	}

	for i := len(state.order) - 1; i >= 0; i-- {
		id := state.order[i]
		pc := state.contexts[id]
		e, err := k.entry(id)
		if err == nil {
			if d, ok := e.plugin.(Deactivator); ok {
				if err := safeCall(func() error { return d.Deactivate(pc) }); err != nil {
					k.logger.Warn("plugin deactivation failed", zap.String("plugin", id), zap.String("site", siteID), zap.Error(err))
					k.Record(ctx, events.NewPluginErroredEvent(siteID, id, "deactivate", err))
				}
			}
		}
		k.removeRegistrations(siteID, id)
		k.setStatus(ctx, siteID, id, types.InstallInactive, "")
		k.Record(ctx, events.New(events.EventTypePluginDeactivated, siteID, id, events.SeverityInfo,
			"plugin "+id+" deactivated", nil))
	}
	k.logger.Info("site deactivated", zap.String("site", state.site.Slug))
}

// Reload re-reads the plugin directories and reactivates every site that
// was active. Native plugins are kept.
func (k *Kernel) Reload(ctx context.Context) (*LoadReport, error) {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	var sites []*types.Site
	k.mu.RLock()
	for _, state := range k.active {
		sites = append(sites, state.site)
	}
	dirs := append([]string(nil), k.dirs...)
	k.mu.RUnlock()
	sort.Slice(sites, func(i, j int) bool { return sites[i].Slug < sites[j].Slug })

	for _, site := range sites {
		k.deactivateSiteLocked(ctx, site.ID)
	}

	k.mu.Lock()
	k.dropLoadedLocked()
	k.mu.Unlock()
	report, err := k.loadLocked(ctx, dirs)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, site := range sites {
		fresh, err := k.store.GetSite(ctx, site.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := k.activateSiteLocked(ctx, fresh); err != nil {
			errs = append(errs, err)
		}
	}
	k.logger.Info("plugins reloaded", zap.Int("sites", len(sites)))
	return report, errors.Join(errs...)
}

// ActiveSites returns the ids of active sites.
func (k *Kernel) ActiveSites() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.active))
	for id := range k.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActivePlugins returns the plugins live on a site in activation order.
func (k *Kernel) ActivePlugins(siteID string) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	state, ok := k.active[siteID]
	if !ok {
		return nil
	}
	return append([]string(nil), state.order...)
}

func (k *Kernel) isActive(siteID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.active[siteID]
	return ok
}

func (k *Kernel) markErrored(ctx context.Context, siteID, pluginID, phase string, err error) {
	k.logger.Error("plugin errored",
		zap.String("plugin", pluginID),
		zap.String("site", siteID),
		zap.String("phase", phase),
		zap.Error(err))
	k.setStatus(ctx, siteID, pluginID, types.InstallErrored, err.Error())
	k.Record(ctx, events.NewPluginErroredEvent(siteID, pluginID, phase, err))
}

func (k *Kernel) setStatus(ctx context.Context, siteID, pluginID string, status types.InstallStatus, lastError string) {
	if err := k.store.SetInstallationStatus(ctx, siteID, pluginID, status, lastError); err != nil && !errors.Is(err, types.ErrNotFound) {
		k.logger.Warn("failed to update installation status",
			zap.String("plugin", pluginID),
			zap.String("site", siteID),
			zap.Error(err))
	}
}

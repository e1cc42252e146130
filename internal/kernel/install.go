package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/capability"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/storage"
	"github.com/plinthcms/plinth/internal/types"
)

// Install records a plugin installation on a site with the given grants.
// The installation starts disabled. Grants must be a subset of what the
// manifest requests.
func (k *Kernel) Install(ctx context.Context, siteRef, pluginID string, grants []types.Capability) (*types.Installation, error) {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return nil, err
	}
	e, err := k.entry(pluginID)
	if err != nil {
		return nil, err
	}
	if err := capability.ValidateGrants(e.manifest, grants); err != nil {
		return nil, err
	}

	k.opMu.Lock()
	defer k.opMu.Unlock()

	if _, err := k.store.GetInstallation(ctx, site.ID, pluginID); err == nil {
		return nil, fmt.Errorf("plugin %s on %s: %w", pluginID, site.Slug, storage.ErrConflict)
	}
	inst := &types.Installation{
		SiteID:   site.ID,
		PluginID: pluginID,
		Version:  e.manifest.Version,
		Granted:  capability.NewSet(grants...).List(),
		Status:   types.InstallInactive,
	}
	if err := k.store.UpsertInstallation(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to install %s: %w", pluginID, err)
	}
	k.logger.Info("plugin installed", zap.String("plugin", pluginID), zap.String("site", site.Slug))
	k.Record(ctx, events.New(events.EventTypePluginInstalled, site.ID, pluginID, events.SeverityInfo,
		"plugin "+pluginID+" installed on "+site.Slug, map[string]interface{}{"version": inst.Version}))
	return inst, nil
}

// Uninstall removes an installation and its settings, deactivating the
// plugin first if the site is active.
func (k *Kernel) Uninstall(ctx context.Context, siteRef, pluginID string) error {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return err
	}
	k.opMu.Lock()
	defer k.opMu.Unlock()

	wasActive := k.isActive(site.ID)
	if wasActive {
		k.deactivateSiteLocked(ctx, site.ID)
	}
	if err := k.store.DeleteInstallation(ctx, site.ID, pluginID); err != nil {
		if wasActive {
			_, _ = k.activateSiteLocked(ctx, site)
		}
		return err
	}
	k.Record(ctx, events.New(events.EventTypePluginUninstalled, site.ID, pluginID, events.SeverityInfo,
		"plugin "+pluginID+" uninstalled from "+site.Slug, nil))
	if wasActive {
		if _, err := k.activateSiteLocked(ctx, site); err != nil {
			return err
		}
	}
	return nil
}

// Enable enables an installation and, if the site is active,
// reactivates it.
func (k *Kernel) Enable(ctx context.Context, siteRef, pluginID string) error {
	return k.updateInstallation(ctx, siteRef, pluginID, func(_ *manifest.Manifest, inst *types.Installation) error {
		inst.Enabled = true
		return nil
	})
}

// Disable disables an installation and, if the site is active,
// reactivates it without the plugin.
func (k *Kernel) Disable(ctx context.Context, siteRef, pluginID string) error {
	return k.updateInstallation(ctx, siteRef, pluginID, func(_ *manifest.Manifest, inst *types.Installation) error {
		inst.Enabled = false
		return nil
	})
}

// Grant adds capabilities to an installation.
func (k *Kernel) Grant(ctx context.Context, siteRef, pluginID string, caps []types.Capability) error {
	return k.updateInstallation(ctx, siteRef, pluginID, func(m *manifest.Manifest, inst *types.Installation) error {
		if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
		}
		if err := capability.ValidateGrants(m, caps); err != nil {
			return err
		}
		inst.Granted = capability.Merge(inst.Granted, caps)
		return nil
	})
}

// Revoke removes capabilities from an installation.
func (k *Kernel) Revoke(ctx context.Context, siteRef, pluginID string, caps []types.Capability) error {
	return k.updateInstallation(ctx, siteRef, pluginID, func(_ *manifest.Manifest, inst *types.Installation) error {
		inst.Granted = capability.Remove(inst.Granted, caps)
		return nil
	})
}

// updateInstallation applies fn to a stored installation and reactivates
// the site when it is active. Disabling or revoking works for plugins
// that are no longer loaded; fn then gets a nil manifest.
func (k *Kernel) updateInstallation(ctx context.Context, siteRef, pluginID string, fn func(*manifest.Manifest, *types.Installation) error) error {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return err
	}
	m, _ := k.Manifest(pluginID)

	k.opMu.Lock()
	defer k.opMu.Unlock()

	inst, err := k.store.GetInstallation(ctx, site.ID, pluginID)
	if err != nil {
		return err
	}
	if err := fn(m, inst); err != nil {
		return err
	}
	if m != nil {
		inst.Version = m.Version
	}
	if err := k.store.UpsertInstallation(ctx, inst); err != nil {
		return fmt.Errorf("failed to update installation of %s: %w", pluginID, err)
	}
	if k.isActive(site.ID) {
		if _, err := k.activateSiteLocked(ctx, site); err != nil {
			return err
		}
	}
	return nil
}

// SetTheme makes an installed theme plugin the site's theme. An empty
// pluginID clears it.
func (k *Kernel) SetTheme(ctx context.Context, siteRef, pluginID string) error {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return err
	}
	if pluginID != "" {
		m, ok := k.Manifest(pluginID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
		}
		if !m.Theme {
			return fmt.Errorf("plugin %s is not a theme", pluginID)
		}
		if _, err := k.store.GetInstallation(ctx, site.ID, pluginID); err != nil {
			return fmt.Errorf("theme %s is not installed on %s: %w", pluginID, site.Slug, err)
		}
	}
	if err := k.store.UpdateSiteTheme(ctx, site.ID, pluginID); err != nil {
		return err
	}

	k.mu.Lock()
	if state, ok := k.active[site.ID]; ok {
		state.site.Theme = pluginID
	}
	k.mu.Unlock()
	return nil
}

// GetSetting reads a plugin setting as the host, with manifest defaults.
// pluginID "core" addresses the kernel's own settings.
func (k *Kernel) GetSetting(ctx context.Context, siteRef, pluginID, key string) (json.RawMessage, error) {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return nil, err
	}
	m, err := k.settingsManifest(pluginID)
	if err != nil {
		return nil, err
	}
	return k.readSetting(ctx, site.ID, m, key)
}

// SetSetting writes a plugin setting as the host.
func (k *Kernel) SetSetting(ctx context.Context, siteRef, pluginID, key string, value json.RawMessage) error {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return err
	}
	m, err := k.settingsManifest(pluginID)
	if err != nil {
		return err
	}
	return k.writeSetting(ctx, site.ID, pluginID, m, key, value)
}

// Settings returns the effective settings of a plugin on a site: declared
// defaults overlaid with stored values.
func (k *Kernel) Settings(ctx context.Context, siteRef, pluginID string) (map[string]json.RawMessage, error) {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return nil, err
	}
	m, err := k.settingsManifest(pluginID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if m != nil {
		defaults, err := m.SettingsDefaults()
		if err != nil {
			return nil, err
		}
		for key, v := range defaults {
			out[key] = v
		}
	}
	stored, err := k.store.ListSettings(ctx, site.ID, pluginID)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		out[s.Key] = s.Value
	}
	return out, nil
}

func (k *Kernel) settingsManifest(pluginID string) (*manifest.Manifest, error) {
	if pluginID == manifest.CoreID {
		return nil, nil
	}
	m, ok := k.Manifest(pluginID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}
	return m, nil
}

// Installations lists a site's installations ordered by plugin id.
func (k *Kernel) Installations(ctx context.Context, siteRef string) ([]*types.Installation, error) {
	site, err := k.Site(ctx, siteRef)
	if err != nil {
		return nil, err
	}
	installs, err := k.store.ListInstallations(ctx, site.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(installs, func(i, j int) bool { return installs[i].PluginID < installs[j].PluginID })
	return installs, nil
}

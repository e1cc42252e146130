package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/script"
)

// Plugin is a plugin implementation. Activate runs once per site the
// plugin is activated on.
type Plugin interface {
	Activate(pc *PluginContext) error
}

// Deactivator is implemented by plugins that release per-site state.
type Deactivator interface {
	Deactivate(pc *PluginContext) error
}

// Source says where a plugin's code comes from.
type Source string

const (
	SourceNative      Source = "native"
	SourceScript      Source = "script"
	SourceDeclarative Source = "declarative"
)

type entry struct {
	manifest *manifest.Manifest
	plugin   Plugin
	source   Source
}

// declarative plugins have no code; the kernel applies their manifest
// templates, cron entries and data domains.
type declarative struct{}

func (declarative) Activate(*PluginContext) error { return nil }

// scripted adapts a Lua plugin to the kernel.
type scripted struct {
	p *script.Plugin
}

func (s scripted) Activate(pc *PluginContext) error   { return s.p.Activate(pc) }
func (s scripted) Deactivate(pc *PluginContext) error { return s.p.Deactivate(pc) }

// RegisterNative adds a Go plugin. Its manifest is validated like a
// loaded one; Dir may be empty, in which case template entries are inline
// template sources.
func (k *Kernel) RegisterNative(m *manifest.Manifest, p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin %s: implementation is nil", m.ID)
	}
	if err := m.Validate(config.KernelAPIVersion); err != nil {
		return fmt.Errorf("plugin %s: %w", m.ID, err)
	}

	k.opMu.Lock()
	defer k.opMu.Unlock()
	k.mu.Lock()
	if existing, ok := k.plugins[m.ID]; ok {
		k.mu.Unlock()
		return fmt.Errorf("plugin %s already registered (%s)", m.ID, existing.source)
	}
	k.plugins[m.ID] = &entry{manifest: m, plugin: p, source: SourceNative}
	k.resolveLocked()
	k.mu.Unlock()

	k.logger.Info("registered native plugin", zap.String("plugin", m.ID), zap.String("version", m.Version))
	k.Record(context.Background(), events.New(events.EventTypePluginLoaded, "", m.ID, events.SeverityInfo,
		"plugin "+m.ID+" "+m.Version+" registered", map[string]interface{}{"source": string(SourceNative)}))
	return nil
}

// LoadReport is the outcome of LoadPlugins.
type LoadReport struct {
	Loaded   []string          `json:"loaded"`
	Problems map[string]string `json:"problems,omitempty"` // plugin id or manifest path -> error
}

// LoadPlugins reads every plugin directory under dirs. Broken plugins are
// reported and skipped; the rest load. The directories are remembered for
// Reload.
func (k *Kernel) LoadPlugins(ctx context.Context, dirs ...string) (*LoadReport, error) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	return k.loadLocked(ctx, dirs)
}

func (k *Kernel) loadLocked(ctx context.Context, dirs []string) (*LoadReport, error) {
	report := &LoadReport{Problems: make(map[string]string)}
	loaded := make(map[string]*entry)

	for _, dir := range dirs {
		manifests, loadErrs, err := manifest.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin dir %s: %w", dir, err)
		}
		for _, le := range loadErrs {
			report.Problems[le.Path] = le.Err.Error()
			k.logger.Warn("skipping unreadable plugin manifest", zap.String("path", le.Path), zap.Error(le.Err))
		}
		for _, m := range manifests {
			e, err := k.buildEntry(m, loaded)
			if err != nil {
				report.Problems[m.ID] = err.Error()
				k.logger.Warn("skipping invalid plugin", zap.String("plugin", m.ID), zap.Error(err))
				k.Record(ctx, events.NewPluginErroredEvent("", m.ID, "load", err))
				continue
			}
			loaded[m.ID] = e
		}
	}

	k.mu.Lock()
	k.dirs = appendMissing(k.dirs, dirs)
	for id, e := range loaded {
		k.plugins[id] = e
		report.Loaded = append(report.Loaded, id)
	}
	k.resolveLocked()
	k.mu.Unlock()

	sort.Strings(report.Loaded)
	for _, id := range report.Loaded {
		m := loaded[id].manifest
		k.Record(ctx, events.New(events.EventTypePluginLoaded, "", id, events.SeverityInfo,
			"plugin "+id+" "+m.Version+" loaded", map[string]interface{}{"source": string(loaded[id].source), "dir": m.Dir}))
	}
	k.logger.Info("plugins loaded", zap.Int("loaded", len(report.Loaded)), zap.Int("problems", len(report.Problems)))
	return report, nil
}

func (k *Kernel) buildEntry(m *manifest.Manifest, loaded map[string]*entry) (*entry, error) {
	if err := m.Validate(config.KernelAPIVersion); err != nil {
		return nil, err
	}
	if _, dup := loaded[m.ID]; dup {
		return nil, fmt.Errorf("duplicate plugin id %s in %s", m.ID, m.Dir)
	}
	k.mu.RLock()
	existing, ok := k.plugins[m.ID]
	live := ok && k.liveLocked(m.ID)
	k.mu.RUnlock()
	if ok && existing.source == SourceNative {
		return nil, fmt.Errorf("plugin id %s is taken by a native plugin", m.ID)
	}
	if live {
		return nil, fmt.Errorf("plugin %s is active; reload to replace it", m.ID)
	}
	if m.Script == "" {
		return &entry{manifest: m, plugin: declarative{}, source: SourceDeclarative}, nil
	}
	p, err := script.New(m, k.cfg.HookTimeout)
	if err != nil {
		return nil, err
	}
	return &entry{manifest: m, plugin: scripted{p: p}, source: SourceScript}, nil
}

// liveLocked reports whether a plugin is active on any site. Callers hold
// k.mu.
func (k *Kernel) liveLocked(id string) bool {
	for _, state := range k.active {
		if _, ok := state.contexts[id]; ok {
			return true
		}
	}
	return false
}

// dropLoadedLocked forgets every plugin that came from a directory. Callers
// hold k.mu.
func (k *Kernel) dropLoadedLocked() {
	for id, e := range k.plugins {
		if e.source != SourceNative {
			delete(k.plugins, id)
		}
	}
}

// Manifest returns the manifest of a registered plugin.
func (k *Kernel) Manifest(id string) (*manifest.Manifest, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.plugins[id]
	if !ok {
		return nil, false
	}
	return e.manifest, true
}

func (k *Kernel) entry(id string) (*entry, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return e, nil
}

// Order returns the resolved activation order.
func (k *Kernel) Order() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]string(nil), k.order...)
}

// Problem returns the load or resolution error of a plugin, if any.
func (k *Kernel) Problem(id string) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.problems[id]
}

func appendMissing(list, add []string) []string {
	for _, a := range add {
		found := false
		for _, l := range list {
			if l == a {
				found = true
				break
			}
		}
		if !found {
			list = append(list, a)
		}
	}
	return list
}

var errNotLoaded = errors.New("plugin is not loaded")

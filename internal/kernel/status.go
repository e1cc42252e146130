package kernel

import (
	"sort"

	"github.com/plinthcms/plinth/internal/manifest"
)

// PluginStatus describes one registered plugin.
type PluginStatus struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Source   Source   `json:"source"`
	Theme    bool     `json:"theme,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Problem  string   `json:"problem,omitempty"`
}

// Status is a snapshot of the kernel.
type Status struct {
	Plugins     []PluginStatus      `json:"plugins"`
	Order       []string            `json:"order"`
	ActiveSites map[string][]string `json:"active_sites"`
	Hooks       []string            `json:"hooks"`
	Jobs        int                 `json:"jobs"`
}

// Status returns a snapshot of registered plugins, resolution problems
// and active sites.
func (k *Kernel) Status() *Status {
	k.mu.RLock()
	st := &Status{
		Plugins:     make([]PluginStatus, 0, len(k.plugins)),
		Order:       append([]string{}, k.order...),
		ActiveSites: make(map[string][]string, len(k.active)),
	}
	for id, e := range k.plugins {
		ps := pluginStatus(e.manifest, e.source)
		if p := k.problems[id]; p != nil {
			ps.Problem = p.Error()
		}
		st.Plugins = append(st.Plugins, ps)
	}
	for siteID, state := range k.active {
		st.ActiveSites[siteID] = append([]string{}, state.order...)
	}
	k.mu.RUnlock()

	sort.Slice(st.Plugins, func(i, j int) bool { return st.Plugins[i].ID < st.Plugins[j].ID })
	st.Hooks = k.hooks.Hooks()
	st.Jobs = len(k.jobs.Jobs())
	return st
}

func pluginStatus(m *manifest.Manifest, source Source) PluginStatus {
	return PluginStatus{
		ID:       m.ID,
		Name:     m.Name,
		Version:  m.Version,
		Source:   source,
		Theme:    m.Theme,
		Requires: m.Requires,
	}
}

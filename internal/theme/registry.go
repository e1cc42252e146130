// Package theme resolves and renders the templates plugins contribute to
// a site's named slots.
package theme

import (
	"fmt"
	"html/template"
	"regexp"
	"sort"
	"sync"
)

var slotPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Registration is one template a plugin contributed to a slot.
type Registration struct {
	SiteID   string
	PluginID string
	Slot     string
	Priority int
	tmpl     *template.Template
	seq      uint64
}

// Registry keeps the template registrations of every site.
type Registry struct {
	mu    sync.RWMutex
	seq   uint64
	slots map[string]map[string][]*Registration // site -> slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]map[string][]*Registration)}
}

// Parse compiles a template source for a slot with the theme funcs.
func Parse(slot, source string) (*template.Template, error) {
	if !slotPattern.MatchString(slot) {
		return nil, fmt.Errorf("invalid slot name %q", slot)
	}
	tmpl, err := template.New(slot).Funcs(funcs).Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template for slot %s: %w", slot, err)
	}
	return tmpl, nil
}

// Register parses and adds a template for a site slot.
func (r *Registry) Register(siteID, pluginID, slot string, priority int, source string) error {
	tmpl, err := Parse(slot, source)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	site := r.slots[siteID]
	if site == nil {
		site = make(map[string][]*Registration)
		r.slots[siteID] = site
	}
	site[slot] = append(site[slot], &Registration{
		SiteID:   siteID,
		PluginID: pluginID,
		Slot:     slot,
		Priority: priority,
		tmpl:     tmpl,
		seq:      r.seq,
	})
	return nil
}

// RemoveSitePlugin drops every template a plugin registered on a site.
func (r *Registry) RemoveSitePlugin(siteID, pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for slot, regs := range r.slots[siteID] {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.PluginID == pluginID {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(r.slots[siteID], slot)
		} else {
			r.slots[siteID][slot] = kept
		}
	}
	return removed
}

// Resolve picks the template for a slot: highest priority wins, the
// site's theme plugin wins a tie, then the latest registration.
func (r *Registry) Resolve(siteID, slot, themeID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Registration
	for _, reg := range r.slots[siteID][slot] {
		if best == nil || outranks(reg, best, themeID) {
			best = reg
		}
	}
	return best, best != nil
}

func outranks(a, b *Registration, themeID string) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	aTheme, bTheme := a.PluginID == themeID, b.PluginID == themeID
	if aTheme != bTheme {
		return aTheme
	}
	return a.seq > b.seq
}

// Slots lists the slots with at least one registration on a site.
func (r *Registry) Slots(siteID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.slots[siteID]))
	for slot := range r.slots[siteID] {
		out = append(out, slot)
	}
	sort.Strings(out)
	return out
}

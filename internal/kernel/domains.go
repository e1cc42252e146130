package kernel

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var domainNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// DataDomain is a content type contributed by a plugin, e.g. "post" or
// "product".
type DataDomain struct {
	SiteID   string   `json:"site_id"`
	PluginID string   `json:"plugin_id"`
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

type domainRegistry struct {
	mu      sync.RWMutex
	domains map[string]map[string]DataDomain // site -> name
}

func newDomainRegistry() *domainRegistry {
	return &domainRegistry{domains: make(map[string]map[string]DataDomain)}
}

func (r *domainRegistry) register(d DataDomain) error {
	if !domainNamePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid data domain name %q", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	site := r.domains[d.SiteID]
	if site == nil {
		site = make(map[string]DataDomain)
		r.domains[d.SiteID] = site
	}
	if existing, ok := site[d.Name]; ok {
		return fmt.Errorf("data domain %s already registered by %s", d.Name, existing.PluginID)
	}
	site[d.Name] = d
	return nil
}

func (r *domainRegistry) removeSitePlugin(siteID, pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.domains[siteID] {
		if d.PluginID == pluginID {
			delete(r.domains[siteID], name)
		}
	}
}

func (r *domainRegistry) list(siteID string) []DataDomain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataDomain, 0, len(r.domains[siteID]))
	for _, d := range r.domains[siteID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Domains lists the data domains active on a site.
func (k *Kernel) Domains(siteID string) []DataDomain {
	return k.domains.list(siteID)
}

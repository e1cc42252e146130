// Package manifest loads and validates plugin manifests.
//
// A plugin lives in its own directory containing a plugin.yaml (or
// plugin.yml / plugin.json) file:
//
//	id: seo-meta
//	name: SEO Meta
//	version: 1.4.0
//	api: ^1.0
//	capabilities: [hooks:filter, settings:read, theme:template]
//	requires: [core-content@^2.1]
//	hooks:
//	  - name: theme.render.head
//	    kind: filter
//	    priority: 20
//	settings:
//	  - key: default_description
//	    type: string
//	    default: "A plinth site"
//	templates:
//	  head: templates/head.html
//	script: main.lua
//	cron:
//	  - name: refresh
//	    every: 1h
//	    action: seo-meta.refresh
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/plinthcms/plinth/internal/types"
)

// HookKind distinguishes actions (side effects) from filters (value transforms)
type HookKind string

const (
	KindAction HookKind = "action"
	KindFilter HookKind = "filter"
)

// DefaultPriority is used when neither the manifest nor the caller sets one.
const DefaultPriority = 10

// Manifest is the declared contract of a plugin.
type Manifest struct {
	ID           string             `yaml:"id" json:"id"`
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	API          string             `yaml:"api" json:"api"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Author       string             `yaml:"author,omitempty" json:"author,omitempty"`
	Theme        bool               `yaml:"theme,omitempty" json:"theme,omitempty"`
	Capabilities []types.Capability `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Requires     []string           `yaml:"requires,omitempty" json:"requires,omitempty"`
	Hooks        []HookDecl         `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Settings     []SettingSpec      `yaml:"settings,omitempty" json:"settings,omitempty"`
	Script       string             `yaml:"script,omitempty" json:"script,omitempty"`
	Cron         []CronDecl         `yaml:"cron,omitempty" json:"cron,omitempty"`
	Templates    map[string]string  `yaml:"templates,omitempty" json:"templates,omitempty"`
	Domains      []DomainDecl       `yaml:"domains,omitempty" json:"domains,omitempty"`

	// Dir is the directory the manifest was loaded from; empty for
	// manifests registered in code.
	Dir string `yaml:"-" json:"-"`
}

// HookDecl declares a hook the plugin will attach to.
type HookDecl struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     HookKind `yaml:"kind" json:"kind"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// SettingSpec declares one configurable setting.
type SettingSpec struct {
	Key         string      `yaml:"key" json:"key"`
	Type        string      `yaml:"type" json:"type"` // string, int, bool, json
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// CronDecl schedules an action hook to fire periodically per site.
type CronDecl struct {
	Name   string `yaml:"name" json:"name"`
	Every  string `yaml:"every" json:"every"`
	Action string `yaml:"action" json:"action"`
}

// Interval parses Every.
func (c CronDecl) Interval() (time.Duration, error) {
	return time.ParseDuration(c.Every)
}

// DomainDecl declares a pluggable data domain (content type).
type DomainDecl struct {
	Name   string   `yaml:"name" json:"name"`
	Label  string   `yaml:"label,omitempty" json:"label,omitempty"`
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Requirement is a parsed entry of Requires.
type Requirement struct {
	ID         string
	Constraint string // empty means any version
}

// Requirements parses the "id" / "id@constraint" entries of Requires.
func (m *Manifest) Requirements() ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(m.Requires))
	for _, raw := range m.Requires {
		id, constraint, _ := strings.Cut(strings.TrimSpace(raw), "@")
		if id == "" {
			return nil, fmt.Errorf("empty requirement in %q", raw)
		}
		reqs = append(reqs, Requirement{ID: id, Constraint: strings.TrimSpace(constraint)})
	}
	return reqs, nil
}

// Requests reports whether the manifest requested a capability.
func (m *Manifest) Requests(c types.Capability) bool {
	for _, req := range m.Capabilities {
		if req.Matches(c) {
			return true
		}
	}
	return false
}

// Hook returns the declaration for a hook name and kind.
func (m *Manifest) Hook(name string, kind HookKind) (HookDecl, bool) {
	for _, h := range m.Hooks {
		if h.Name == name && h.Kind == kind {
			return h, true
		}
	}
	return HookDecl{}, false
}

// Setting returns the spec of a setting key.
func (m *Manifest) Setting(key string) (SettingSpec, bool) {
	for _, s := range m.Settings {
		if s.Key == key {
			return s, true
		}
	}
	return SettingSpec{}, false
}

// SettingsDefaults returns the JSON-encoded defaults of every setting that has one.
func (m *Manifest) SettingsDefaults() (map[string]json.RawMessage, error) {
	defaults := make(map[string]json.RawMessage)
	for _, s := range m.Settings {
		if s.Default == nil {
			continue
		}
		data, err := json.Marshal(normalize(s.Default))
		if err != nil {
			return nil, fmt.Errorf("setting %q default: %w", s.Key, err)
		}
		defaults[s.Key] = data
	}
	return defaults, nil
}

// normalize converts the map[interface{}]interface{} values yaml can
// produce into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

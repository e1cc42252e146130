// Package capability implements deny-by-default authorization of plugin
// calls into the kernel.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/types"
)

// ErrDenied is wrapped by every authorization failure.
var ErrDenied = errors.New("capability denied")

// DeniedError names the plugin and capability of a denial.
type DeniedError struct {
	PluginID   string
	SiteID     string
	Capability types.Capability
	Reason     string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("plugin %s lacks %s", e.PluginID, e.Capability)
	if e.SiteID != "" {
		msg += " on site " + e.SiteID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Set is a set of granted capabilities.
type Set map[types.Capability]struct{}

// NewSet builds a Set.
func NewSet(caps ...types.Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Allows reports whether any grant in the set matches c.
func (s Set) Allows(c types.Capability) bool {
	if _, ok := s[c]; ok {
		return true
	}
	for grant := range s {
		if grant.Matches(c) {
			return true
		}
	}
	return false
}

// List returns the grants sorted.
func (s Set) List() []types.Capability {
	out := make([]types.Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InstallationSource looks up installations.
type InstallationSource interface {
	GetInstallation(ctx context.Context, siteID, pluginID string) (*types.Installation, error)
}

// Checker authorizes plugin calls against stored installation grants.
type Checker struct {
	installs InstallationSource
}

// NewChecker creates a Checker.
func NewChecker(installs InstallationSource) *Checker {
	return &Checker{installs: installs}
}

// Check returns nil if the plugin's installation on the site grants c.
// A missing or disabled installation is a denial.
func (c *Checker) Check(ctx context.Context, pluginID, siteID string, want types.Capability) error {
	inst, err := c.installs.GetInstallation(ctx, siteID, pluginID)
	if err != nil {
		return &DeniedError{PluginID: pluginID, SiteID: siteID, Capability: want, Reason: err.Error()}
	}
	return Authorize(inst, want)
}

// Authorize checks an already loaded installation.
func Authorize(inst *types.Installation, want types.Capability) error {
	if !inst.Enabled {
		return &DeniedError{PluginID: inst.PluginID, SiteID: inst.SiteID, Capability: want, Reason: "plugin is disabled"}
	}
	if !NewSet(inst.Granted...).Allows(want) {
		return &DeniedError{PluginID: inst.PluginID, SiteID: inst.SiteID, Capability: want}
	}
	return nil
}

// ValidateGrants ensures every capability is well formed and was requested
// by the manifest. A plugin can never hold more than it asked for.
func ValidateGrants(m *manifest.Manifest, grants []types.Capability) error {
	var errs []error
	for _, g := range grants {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if !requested(m, g) {
			errs = append(errs, fmt.Errorf("plugin %s did not request %s", m.ID, g))
		}
	}
	return errors.Join(errs...)
}

// requested reports whether grant is covered by the manifest's request
// list. A wildcard grant is only allowed if the same or a broader wildcard
// was requested.
func requested(m *manifest.Manifest, grant types.Capability) bool {
	for _, req := range m.Capabilities {
		if req == grant || req.Matches(grant) {
			return true
		}
	}
	return false
}

// Merge adds grants to an existing list without duplicates.
func Merge(existing, add []types.Capability) []types.Capability {
	s := NewSet(existing...)
	for _, c := range add {
		s[c] = struct{}{}
	}
	return s.List()
}

// Remove drops exact grants from a list.
func Remove(existing, drop []types.Capability) []types.Capability {
	s := NewSet(existing...)
	for _, c := range drop {
		delete(s, c)
	}
	return s.List()
}

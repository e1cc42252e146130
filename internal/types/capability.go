package types

import (
	"fmt"
	"strings"
)

// Capability names one privileged kernel API a plugin may use.
// Capabilities have the form "<area>:<action>". A grant may use "*" as
// the action ("settings:*") or be the bare "*" which matches everything.
type Capability string

const (
	CapSettingsRead    Capability = "settings:read"
	CapSettingsWrite   Capability = "settings:write"
	CapHooksAction     Capability = "hooks:action"
	CapHooksFilter     Capability = "hooks:filter"
	CapAnalyticsIngest Capability = "analytics:ingest"
	CapAnalyticsRead   Capability = "analytics:read"
	CapAuthProvider    Capability = "auth:provider"
	CapThemeTemplate   Capability = "theme:template"
	CapWebhookEmit     Capability = "webhook:emit"
	CapCronSchedule    Capability = "cron:schedule"
	CapContentDomain   Capability = "content:domain"
	CapHTTPOutbound    Capability = "http:outbound"

	CapAll Capability = "*"
)

// KnownCapabilities lists every capability the kernel checks.
var KnownCapabilities = []Capability{
	CapSettingsRead, CapSettingsWrite,
	CapHooksAction, CapHooksFilter,
	CapAnalyticsIngest, CapAnalyticsRead,
	CapAuthProvider, CapThemeTemplate,
	CapWebhookEmit, CapCronSchedule,
	CapContentDomain, CapHTTPOutbound,
}

// Validate checks the capability is well formed
func (c Capability) Validate() error {
	if c == CapAll {
		return nil
	}
	area, action, ok := strings.Cut(string(c), ":")
	if !ok || area == "" || action == "" {
		return fmt.Errorf("invalid capability %q (expected area:action)", c)
	}
	if strings.Contains(action, ":") {
		return fmt.Errorf("invalid capability %q (too many segments)", c)
	}
	if strings.Contains(area, "*") {
		return fmt.Errorf("invalid capability %q (wildcard only allowed as action)", c)
	}
	if strings.Contains(action, "*") && action != "*" {
		return fmt.Errorf("invalid capability %q (wildcard must be the whole action)", c)
	}
	return nil
}

// Matches reports whether this capability, used as a grant, covers want.
func (c Capability) Matches(want Capability) bool {
	if c == CapAll || c == want {
		return true
	}
	area, action, ok := strings.Cut(string(c), ":")
	if !ok || action != "*" {
		return false
	}
	wantArea, _, ok := strings.Cut(string(want), ":")
	return ok && wantArea == area
}

// ParseCapabilities parses a comma separated capability list.
func ParseCapabilities(s string) ([]Capability, error) {
	var caps []Capability
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c := Capability(part)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

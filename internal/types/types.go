package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Site is a tenant of the CMS. Every plugin installation, setting and
// webhook belongs to exactly one site.
type Site struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Theme     string    `json:"theme,omitempty"` // plugin id of the active theme
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the site has valid field values
func (s *Site) Validate() error {
	if !slugPattern.MatchString(s.Slug) {
		return fmt.Errorf("invalid site slug %q (lowercase letters, digits and dashes, max 63)", s.Slug)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("site name is required")
	}
	if len(s.Name) > 200 {
		return fmt.Errorf("site name must be 200 characters or less (got %d)", len(s.Name))
	}
	return nil
}

// InstallStatus is the lifecycle state of a plugin installation on a site
type InstallStatus string

const (
	InstallInactive InstallStatus = "inactive"
	InstallActive   InstallStatus = "active"
	InstallErrored  InstallStatus = "errored"
)

// IsValid checks if the status value is valid
func (s InstallStatus) IsValid() bool {
	switch s {
	case InstallInactive, InstallActive, InstallErrored:
		return true
	}
	return false
}

// Installation records that a plugin is installed on a site, which
// capabilities the site administrator granted it, and whether it is enabled.
type Installation struct {
	SiteID      string        `json:"site_id"`
	PluginID    string        `json:"plugin_id"`
	Version     string        `json:"version"`
	Enabled     bool          `json:"enabled"`
	Granted     []Capability  `json:"granted"`
	Status      InstallStatus `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	InstalledAt time.Time     `json:"installed_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Validate checks if the installation has valid field values
func (i *Installation) Validate() error {
	if i.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if i.PluginID == "" {
		return fmt.Errorf("plugin_id is required")
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid installation status: %s", i.Status)
	}
	for _, c := range i.Granted {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Setting is one persisted configuration value of a plugin on a site.
type Setting struct {
	SiteID    string          `json:"site_id"`
	PluginID  string          `json:"plugin_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate checks if the setting has valid field values
func (s *Setting) Validate() error {
	if s.SiteID == "" || s.PluginID == "" {
		return fmt.Errorf("setting requires site_id and plugin_id")
	}
	if s.Key == "" {
		return fmt.Errorf("setting key is required")
	}
	if len(s.Key) > 128 {
		return fmt.Errorf("setting key must be 128 characters or less (got %d)", len(s.Key))
	}
	if !json.Valid(s.Value) {
		return fmt.Errorf("setting %q value is not valid JSON", s.Key)
	}
	return nil
}

// Lease is a row-level advisory lock shared by every process using the
// same database.
type Lease struct {
	Name      string    `json:"name"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CronRun is the bookkeeping row for one scheduled plugin job.
type CronRun struct {
	Name      string    `json:"name"` // fully qualified: site/plugin/job
	LastRunAt time.Time `json:"last_run_at"`
	NextRunAt time.Time `json:"next_run_at"`
	LastError string    `json:"last_error,omitempty"`
}

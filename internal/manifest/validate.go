package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/plinthcms/plinth/internal/types"
)

// MinCronInterval is the shortest interval a manifest may schedule.
const MinCronInterval = time.Minute

var (
	idPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	hookPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	slotPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// CoreID is the reserved id of the kernel's own pseudo-plugin.
const CoreID = "core"

// Validate checks the manifest against the running kernel API version and
// returns every problem found, joined.
func (m *Manifest) Validate(kernelAPIVersion string) error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case m.ID == "":
		add("id is required")
	case len(m.ID) > 128:
		add("id must be 128 characters or less")
	case !idPattern.MatchString(m.ID):
		add("id %q must match %s", m.ID, idPattern)
	case m.ID == CoreID:
		add("id %q is reserved", m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		add("name is required")
	}

	if m.Version == "" {
		add("version is required")
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		add("version %q is not semver: %v", m.Version, err)
	}

	if m.API == "" {
		add("api constraint is required")
	} else if constraint, err := semver.NewConstraint(m.API); err != nil {
		add("api constraint %q: %v", m.API, err)
	} else if kv, err := semver.NewVersion(kernelAPIVersion); err != nil {
		add("kernel api version %q: %v", kernelAPIVersion, err)
	} else if !constraint.Check(kv) {
		add("api %q is not satisfied by kernel api %s", m.API, kernelAPIVersion)
	}

	for _, c := range m.Capabilities {
		if err := c.Validate(); err != nil {
			add("capability: %v", err)
		}
	}

	reqs, err := m.Requirements()
	if err != nil {
		add("requires: %v", err)
	}
	for _, r := range reqs {
		if r.ID == m.ID {
			add("requires: plugin cannot require itself")
		}
		if r.Constraint != "" {
			if _, err := semver.NewConstraint(r.Constraint); err != nil {
				add("requires %s: bad constraint %q: %v", r.ID, r.Constraint, err)
			}
		}
	}

	seenHooks := make(map[string]bool)
	for _, h := range m.Hooks {
		if !hookPattern.MatchString(h.Name) {
			add("hook %q: invalid name", h.Name)
		}
		key := string(h.Kind) + ":" + h.Name
		if seenHooks[key] {
			add("hook %q declared twice as %s", h.Name, h.Kind)
		}
		seenHooks[key] = true
		switch h.Kind {
		case KindAction:
			if !m.Requests(types.CapHooksAction) {
				add("hook %q: action hooks require capability %s", h.Name, types.CapHooksAction)
			}
		case KindFilter:
			if !m.Requests(types.CapHooksFilter) {
				add("hook %q: filter hooks require capability %s", h.Name, types.CapHooksFilter)
			}
		default:
			add("hook %q: kind must be action or filter (got %q)", h.Name, h.Kind)
		}
	}

	seenSettings := make(map[string]bool)
	for _, s := range m.Settings {
		if s.Key == "" {
			add("setting with empty key")
			continue
		}
		if seenSettings[s.Key] {
			add("setting %q declared twice", s.Key)
		}
		seenSettings[s.Key] = true
		if err := checkSettingType(s.Type, s.Default); err != nil {
			add("setting %q: %v", s.Key, err)
		}
		if s.Required && s.Default != nil {
			add("setting %q: required settings cannot have a default", s.Key)
		}
	}

	seenCron := make(map[string]bool)
	for _, c := range m.Cron {
		if c.Name == "" {
			add("cron job with empty name")
			continue
		}
		if seenCron[c.Name] {
			add("cron job %q declared twice", c.Name)
		}
		seenCron[c.Name] = true
		interval, err := c.Interval()
		if err != nil {
			add("cron %q: bad interval %q", c.Name, c.Every)
		} else if interval < MinCronInterval {
			add("cron %q: interval %s is below the %s minimum", c.Name, interval, MinCronInterval)
		}
		if c.Action == "" {
			add("cron %q: action is required", c.Name)
		}
	}
	if len(m.Cron) > 0 && !m.Requests(types.CapCronSchedule) {
		add("cron jobs require capability %s", types.CapCronSchedule)
	}

	for slot, file := range m.Templates {
		if !slotPattern.MatchString(slot) {
			add("template slot %q: invalid name", slot)
		}
		if m.Dir != "" && !fileExists(m.Dir, file) {
			add("template %q: file %s not found", slot, file)
		}
	}
	if len(m.Templates) > 0 && !m.Requests(types.CapThemeTemplate) {
		add("templates require capability %s", types.CapThemeTemplate)
	}
	if m.Theme && len(m.Templates) == 0 {
		add("theme plugins must provide templates")
	}

	for _, d := range m.Domains {
		if !slotPattern.MatchString(d.Name) {
			add("domain %q: invalid name", d.Name)
		}
	}
	if len(m.Domains) > 0 && !m.Requests(types.CapContentDomain) {
		add("domains require capability %s", types.CapContentDomain)
	}

	if m.Script != "" {
		if filepath.Ext(m.Script) != ".lua" {
			add("script %q must be a .lua file", m.Script)
		} else if m.Dir != "" && !fileExists(m.Dir, m.Script) {
			add("script %s not found", m.Script)
		}
	}

	return errors.Join(errs...)
}

func fileExists(dir, rel string) bool {
	if filepath.IsAbs(rel) || strings.HasPrefix(filepath.Clean(rel), "..") {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, rel))
	return err == nil && !info.IsDir()
}

// checkSettingType verifies a declared setting type and that its default,
// if any, has that type.
func checkSettingType(typ string, def interface{}) error {
	switch typ {
	case "string", "int", "bool", "json":
	default:
		return fmt.Errorf("type must be string, int, bool or json (got %q)", typ)
	}
	if def == nil {
		return nil
	}
	return CheckValue(typ, normalize(def))
}

// CheckValue verifies that a decoded value has the given setting type.
func CheckValue(typ string, v interface{}) error {
	switch typ {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case "int":
		switch n := v.(type) {
		case int, int64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("expected int, got %v", n)
			}
		default:
			return fmt.Errorf("expected int, got %T", v)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case "json":
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("not JSON-encodable: %w", err)
		}
	}
	return nil
}

// CheckRaw verifies a JSON-encoded value against the declared type of key.
// Undeclared keys accept any JSON.
func (m *Manifest) CheckRaw(key string, raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("setting %q: invalid JSON: %w", key, err)
	}
	spec, ok := m.Setting(key)
	if !ok {
		return nil
	}
	if err := CheckValue(spec.Type, v); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

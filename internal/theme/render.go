package theme

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/types"
)

//go:embed defaults/*.tmpl
var defaultFS embed.FS

// ErrNoTemplate is returned when neither a plugin nor the core defaults
// provide a slot.
var ErrNoTemplate = errors.New("no template for slot")

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"safe":  func(s string) template.HTML { return template.HTML(s) },
}

// SiteSource loads sites.
type SiteSource interface {
	GetSite(ctx context.Context, id string) (*types.Site, error)
}

// Renderer renders slots for sites.
type Renderer struct {
	registry *Registry
	hooks    *hooks.Registry
	sites    SiteSource
	logger   *zap.Logger
	defaults map[string]*template.Template
}

// NewRenderer creates a renderer with the embedded core templates as
// fallbacks.
func NewRenderer(registry *Registry, hooksReg *hooks.Registry, sites SiteSource, logger *zap.Logger) (*Renderer, error) {
	entries, err := defaultFS.ReadDir("defaults")
	if err != nil {
		return nil, fmt.Errorf("failed to read default templates: %w", err)
	}
	defaults := make(map[string]*template.Template, len(entries))
	for _, e := range entries {
		src, err := defaultFS.ReadFile(path.Join("defaults", e.Name()))
		if err != nil {
			return nil, err
		}
		slot := strings.TrimSuffix(e.Name(), ".tmpl")
		tmpl, err := Parse(slot, string(src))
		if err != nil {
			return nil, err
		}
		defaults[slot] = tmpl
	}
	return &Renderer{
		registry: registry,
		hooks:    hooksReg,
		sites:    sites,
		logger:   logger,
		defaults: defaults,
	}, nil
}

// Render executes the resolved template for a slot. The template context
// is built from data plus "Site" and "Slot", passed through the
// theme.context filter; the HTML output passes through theme.render.<slot>.
func (r *Renderer) Render(ctx context.Context, siteID, slot string, data map[string]interface{}) (string, error) {
	site, err := r.sites.GetSite(ctx, siteID)
	if err != nil {
		return "", fmt.Errorf("failed to load site %s: %w", siteID, err)
	}
	ctx = hooks.WithSite(ctx, site.ID)

	tmpl, source := r.defaults[slot], "core"
	if reg, ok := r.registry.Resolve(site.ID, slot, site.Theme); ok {
		tmpl, source = reg.tmpl, reg.PluginID
	}
	if tmpl == nil {
		return "", fmt.Errorf("%w: %s", ErrNoTemplate, slot)
	}

	tctx := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		tctx[k] = v
	}
	tctx["Site"] = site
	tctx["Slot"] = slot

	out, err := r.hooks.ApplyFilters(ctx, hooks.ThemeContext, tctx, slot)
	if err != nil {
		r.logger.Warn("theme.context filter failed", zap.String("slot", slot), zap.Error(err))
	}
	if filtered, ok := out.(map[string]interface{}); ok {
		tctx = filtered
	} else {
		r.logger.Warn("theme.context filter returned a non-map value, ignoring", zap.String("slot", slot))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tctx); err != nil {
		return "", fmt.Errorf("failed to render slot %s from %s: %w", slot, source, err)
	}

	html, err := r.hooks.ApplyFilters(ctx, hooks.ThemeRender(slot), buf.String(), slot)
	if err != nil {
		r.logger.Warn("theme.render filter failed", zap.String("slot", slot), zap.Error(err))
	}
	if s, ok := html.(string); ok {
		return s, nil
	}
	r.logger.Warn("theme.render filter returned a non-string value, ignoring", zap.String("slot", slot))
	return buf.String(), nil
}

package hooks

import "context"

type siteKey struct{}

// WithSite scopes hook invocations made with ctx to a site.
func WithSite(ctx context.Context, siteID string) context.Context {
	return context.WithValue(ctx, siteKey{}, siteID)
}

// SiteFrom returns the site carried by ctx, or "".
func SiteFrom(ctx context.Context) string {
	site, _ := ctx.Value(siteKey{}).(string)
	return site
}

package kernel

import (
	"context"
	"fmt"

	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
)

// DoAction runs an action hook for a site on behalf of the host.
func (k *Kernel) DoAction(ctx context.Context, siteID, hook string, args ...interface{}) error {
	return k.hooks.DoAction(hooks.WithSite(ctx, siteID), hook, args...)
}

// ApplyFilters runs a filter hook for a site on behalf of the host.
func (k *Kernel) ApplyFilters(ctx context.Context, siteID, hook string, value interface{}, args ...interface{}) (interface{}, error) {
	return k.hooks.ApplyFilters(hooks.WithSite(ctx, siteID), hook, value, args...)
}

// Emit records a host event for a site, e.g. "post.published". Kernel
// event types are reserved.
func (k *Kernel) Emit(ctx context.Context, siteID, eventType string, data map[string]interface{}) error {
	if !eventNamePattern.MatchString(eventType) {
		return fmt.Errorf("invalid event type %q", eventType)
	}
	t := events.EventType(eventType)
	if t.IsKernel() {
		return fmt.Errorf("event type %s is reserved", eventType)
	}
	k.Record(ctx, events.New(t, siteID, "", events.SeverityInfo, eventType, data))
	return nil
}

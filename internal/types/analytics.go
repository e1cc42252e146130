package types

import (
	"fmt"
	"time"
)

// AnalyticsEvent is one page view or custom event reported by a site.
type AnalyticsEvent struct {
	ID         string            `json:"id"`
	SiteID     string            `json:"site_id"`
	Name       string            `json:"name"` // "pageview" or a custom event name
	Path       string            `json:"path"`
	Referrer   string            `json:"referrer,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	VisitorID  string            `json:"visitor_id,omitempty"`
	Props      map[string]string `json:"props,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Validate checks if the analytics event has valid field values
func (e *AnalyticsEvent) Validate() error {
	if e.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if e.Name == "" {
		return fmt.Errorf("event name is required")
	}
	if len(e.Name) > 64 {
		return fmt.Errorf("event name must be 64 characters or less (got %d)", len(e.Name))
	}
	if len(e.Path) > 2048 {
		return fmt.Errorf("path must be 2048 characters or less (got %d)", len(e.Path))
	}
	if len(e.Props) > 32 {
		return fmt.Errorf("at most 32 props allowed (got %d)", len(e.Props))
	}
	return nil
}

// AnalyticsCount is a daily aggregate of analytics events.
type AnalyticsCount struct {
	SiteID string `json:"site_id"`
	Day    string `json:"day"` // YYYY-MM-DD, UTC
	Name   string `json:"name"`
	Path   string `json:"path"`
	Count  int64  `json:"count"`
}

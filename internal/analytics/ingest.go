// Package analytics ingests page views and custom events reported by
// sites and serves their daily aggregates.
package analytics

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/types"
)

// PageView is the event name of a plain page view.
const PageView = "pageview"

var botPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|slurp|archiver|facebookexternalhit|bingpreview|headless|lighthouse|curl/|wget/|python-requests|go-http-client)`)

// IsBot reports whether a user agent looks automated.
func IsBot(userAgent string) bool {
	return botPattern.MatchString(userAgent)
}

// Outcome says what Ingest did with an event.
type Outcome string

const (
	Stored        Outcome = "stored"
	DroppedBot    Outcome = "dropped_bot"
	DroppedFilter Outcome = "dropped_filter"
)

// Store is the storage the ingestor needs.
type Store interface {
	GetSite(ctx context.Context, id string) (*types.Site, error)
	StoreAnalyticsEvent(ctx context.Context, event *types.AnalyticsEvent) error
	AnalyticsCounts(ctx context.Context, siteID string, from, to time.Time) ([]*types.AnalyticsCount, error)
}

// Ingestor runs analytics events through plugin filters into storage.
type Ingestor struct {
	store    Store
	hooks    *hooks.Registry
	recorder events.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(store Store, registry *hooks.Registry, recorder events.Recorder, logger *zap.Logger) *Ingestor {
	if recorder == nil {
		recorder = events.Discard
	}
	return &Ingestor{
		store:    store,
		hooks:    registry,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest validates an event, drops bots, passes it through the
// analytics.ingest filter (a nil result drops it), persists it and fires
// analytics.ingested. Plugins cannot move an event to another site.
func (i *Ingestor) Ingest(ctx context.Context, event *types.AnalyticsEvent) (Outcome, error) {
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("invalid analytics event: %w", err)
	}
	siteID := event.SiteID
	if _, err := i.store.GetSite(ctx, siteID); err != nil {
		return "", fmt.Errorf("failed to ingest analytics event: %w", err)
	}
	if IsBot(event.UserAgent) {
		i.logger.Debug("dropping bot analytics event",
			zap.String("site", siteID),
			zap.String("user_agent", event.UserAgent))
		return DroppedBot, nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = i.now()
	}
	event.Path = normalizePath(event.Path)

	hctx := hooks.WithSite(ctx, siteID)
	// Failing filters are reported through the hook observer; their output
	// is discarded by the registry.
	out, _ := i.hooks.ApplyFilters(hctx, hooks.AnalyticsIngest, event)
	if out == nil {
		return DroppedFilter, nil
	}
	if filtered, ok := out.(*types.AnalyticsEvent); ok {
		if filtered == nil {
			return DroppedFilter, nil
		}
		event = filtered
	} else {
		i.logger.Warn("analytics.ingest filter returned unexpected type, keeping event",
			zap.String("site", siteID),
			zap.String("type", fmt.Sprintf("%T", out)))
	}
	event.SiteID = siteID
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("analytics event invalid after filters: %w", err)
	}

	if err := i.store.StoreAnalyticsEvent(ctx, event); err != nil {
		return "", fmt.Errorf("failed to store analytics event: %w", err)
	}

	_ = i.hooks.DoAction(hctx, hooks.AnalyticsIngested, event)
	if event.Name != PageView {
		i.recorder.Record(ctx, events.New(events.EventTypeAnalyticsIngested, siteID, "", events.SeverityInfo,
			"analytics event "+event.Name, map[string]interface{}{
				"name":  event.Name,
				"path":  event.Path,
				"props": event.Props,
			}))
	}
	return Stored, nil
}

// Counts returns daily aggregates for the UTC days from..to inclusive.
func (i *Ingestor) Counts(ctx context.Context, siteID string, from, to time.Time) ([]*types.AnalyticsCount, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is before %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	counts, err := i.store.AnalyticsCounts(ctx, siteID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read analytics counts: %w", err)
	}
	return counts, nil
}

// Totals sums counts per event name.
func Totals(counts []*types.AnalyticsCount) map[string]int64 {
	totals := make(map[string]int64)
	for _, c := range counts {
		totals[c.Name] += c.Count
	}
	return totals
}

// normalizePath drops query strings and fragments so counts aggregate per
// page, and ensures a leading slash.
func normalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

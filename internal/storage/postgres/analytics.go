package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plinthcms/plinth/internal/types"
)

const dayFormat = "2006-01-02"

// StoreAnalyticsEvent persists an analytics event and bumps its daily
// counter in one transaction.
func (s *PostgresStorage) StoreAnalyticsEvent(ctx context.Context, event *types.AnalyticsEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	props := event.Props
	if props == nil {
		props = map[string]string{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to marshal props: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO analytics_events (id, site_id, name, path, referrer, user_agent, visitor_id, props, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, event.ID, event.SiteID, event.Name, event.Path, event.Referrer, event.UserAgent,
			event.VisitorID, string(propsJSON), toMillis(event.OccurredAt)); err != nil {
			return fmt.Errorf("failed to insert analytics event: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO analytics_daily (site_id, day, name, path, count)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (site_id, day, name, path) DO UPDATE SET count = analytics_daily.count + 1
		`, event.SiteID, event.OccurredAt.UTC().Format(dayFormat), event.Name, event.Path); err != nil {
			return fmt.Errorf("failed to increment daily count: %w", err)
		}
		return nil
	})
}

// AnalyticsCounts returns daily counts for the UTC days from..to inclusive.
func (s *PostgresStorage) AnalyticsCounts(ctx context.Context, siteID string, from, to time.Time) ([]*types.AnalyticsCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT site_id, day, name, path, count FROM analytics_daily
		WHERE site_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day, name, path
	`, siteID, from.UTC().Format(dayFormat), to.UTC().Format(dayFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics counts: %w", err)
	}
	defer rows.Close()

	var out []*types.AnalyticsCount
	for rows.Next() {
		var c types.AnalyticsCount
		if err := rows.Scan(&c.SiteID, &c.Day, &c.Name, &c.Path, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan analytics count: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

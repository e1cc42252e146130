package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plinthcms/plinth/internal/events"
)

// StoreEvent persists a kernel event.
func (s *PostgresStorage) StoreEvent(ctx context.Context, event *events.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO kernel_events (id, type, timestamp, site_id, plugin_id, severity, message, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, string(event.Type), toMillis(event.Timestamp), event.SiteID, event.PluginID,
		string(event.Severity), event.Message, string(dataJSON))
	if err != nil {
		return fmt.Errorf("failed to store event (type=%s, site=%s): %w", event.Type, event.SiteID, err)
	}
	return nil
}

// ListEvents returns events matching the filter, most recent first.
func (s *PostgresStorage) ListEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	query := `
		SELECT id, type, timestamp, site_id, plugin_id, severity, message, data::text
		FROM kernel_events
		WHERE 1=1
	`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if filter.SiteID != "" {
		add("site_id =", filter.SiteID)
	}
	if filter.PluginID != "" {
		add("plugin_id =", filter.PluginID)
	}
	if filter.Type != "" {
		add("type =", string(filter.Type))
	}
	if filter.Severity != "" {
		add("severity =", string(filter.Severity))
	}
	if !filter.After.IsZero() {
		add("timestamp >", filter.After.UnixMilli())
	}
	if !filter.Before.IsZero() {
		add("timestamp <", filter.Before.UnixMilli())
	}

	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var typ, severity, data string
		var ts int64
		if err := rows.Scan(&e.ID, &typ, &ts, &e.SiteID, &e.PluginID, &severity, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = events.EventType(typ)
		e.Severity = events.EventSeverity(severity)
		e.Timestamp = fromMillis(ts)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupEventsByAge deletes events older than the retention period in
// batches. Error and critical events use criticalRetentionDays.
func (s *PostgresStorage) CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error) {
	if retentionDays < 0 || criticalRetentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	total := 0
	deleted, err := s.deleteOldEventsBatch(ctx, time.Now().AddDate(0, 0, -retentionDays), []string{"info", "warning"}, batchSize)
	total += deleted
	if err != nil {
		return total, fmt.Errorf("failed to delete old regular events: %w", err)
	}
	deleted, err = s.deleteOldEventsBatch(ctx, time.Now().AddDate(0, 0, -criticalRetentionDays), []string{"error", "critical"}, batchSize)
	total += deleted
	if err != nil {
		return total, fmt.Errorf("failed to delete old critical events: %w", err)
	}
	return total, nil
}

func (s *PostgresStorage) deleteOldEventsBatch(ctx context.Context, cutoff time.Time, severities []string, batchSize int) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM kernel_events
			WHERE id IN (
				SELECT id FROM kernel_events
				WHERE timestamp < $1 AND severity = ANY($2)
				ORDER BY timestamp ASC
				LIMIT $3
			)
		`, cutoff.UnixMilli(), severities, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to execute delete: %w", err)
		}
		n := tag.RowsAffected()
		total += int(n)
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

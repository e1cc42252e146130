package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plinthcms/plinth/internal/events"
)

// StoreEvent persists a kernel event.
func (s *SQLiteStorage) StoreEvent(ctx context.Context, event *events.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kernel_events (id, type, timestamp, site_id, plugin_id, severity, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), toMillis(event.Timestamp), event.SiteID, event.PluginID,
		string(event.Severity), event.Message, string(dataJSON))
	if err != nil {
		return fmt.Errorf("failed to store event (type=%s, site=%s): %w", event.Type, event.SiteID, err)
	}
	return nil
}

// ListEvents returns events matching the filter, most recent first.
func (s *SQLiteStorage) ListEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	query := `
		SELECT id, type, timestamp, site_id, plugin_id, severity, message, data
		FROM kernel_events
		WHERE 1=1
	`
	var args []interface{}

	if filter.SiteID != "" {
		query += " AND site_id = ?"
		args = append(args, filter.SiteID)
	}
	if filter.PluginID != "" {
		query += " AND plugin_id = ?"
		args = append(args, filter.PluginID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if !filter.After.IsZero() {
		query += " AND timestamp > ?"
		args = append(args, filter.After.UnixMilli())
	}
	if !filter.Before.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.Before.UnixMilli())
	}

	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var ts int64
		var data string
		if err := rows.Scan(&e.ID, &e.Type, &ts, &e.SiteID, &e.PluginID, &e.Severity, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupEventsByAge deletes events older than the retention period.
// Info and warning events go after retentionDays, error and critical
// events after criticalRetentionDays. Deletes run in batches of batchSize.
func (s *SQLiteStorage) CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error) {
	if retentionDays < 0 || criticalRetentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	total := 0
	regularCutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted, err := s.deleteOldEventsBatch(ctx, regularCutoff, "info", "warning", batchSize)
	total += deleted
	if err != nil {
		return total, fmt.Errorf("failed to delete old regular events: %w", err)
	}

	criticalCutoff := time.Now().AddDate(0, 0, -criticalRetentionDays)
	deleted, err = s.deleteOldEventsBatch(ctx, criticalCutoff, "error", "critical", batchSize)
	total += deleted
	if err != nil {
		return total, fmt.Errorf("failed to delete old critical events: %w", err)
	}
	return total, nil
}

func (s *SQLiteStorage) deleteOldEventsBatch(ctx context.Context, cutoff time.Time, sevA, sevB string, batchSize int) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM kernel_events
			WHERE id IN (
				SELECT id FROM kernel_events
				WHERE timestamp < ? AND severity IN (?, ?)
				ORDER BY timestamp ASC
				LIMIT ?
			)
		`, cutoff.UnixMilli(), sevA, sevB, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to execute delete: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

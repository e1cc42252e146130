package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plinthcms/plinth/internal/types"
)

// CreateSubscription stores a webhook subscription.
func (s *SQLiteStorage) CreateSubscription(ctx context.Context, sub *types.WebhookSubscription) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, site_id, url, secret, events, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.SiteID, sub.URL, sub.Secret, string(eventsJSON), sub.Active, toMillis(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, site_id, url, secret, events, active, created_at`

func scanSubscription(row interface{ Scan(...any) error }) (*types.WebhookSubscription, error) {
	var sub types.WebhookSubscription
	var eventsJSON string
	var createdAt int64
	if err := row.Scan(&sub.ID, &sub.SiteID, &sub.URL, &sub.Secret, &eventsJSON, &sub.Active, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &sub.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	sub.CreatedAt = fromMillis(createdAt)
	return &sub, nil
}

// GetSubscription retrieves a subscription by id.
func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*types.WebhookSubscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("subscription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns a site's subscriptions, oldest first.
func (s *SQLiteStorage) ListSubscriptions(ctx context.Context, siteID string) ([]*types.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE site_id = ? ORDER BY created_at, id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteSubscription removes a subscription and its deliveries.
func (s *SQLiteStorage) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return rowsAffectedOrNotFound(res, "subscription", id)
}

// CreateDelivery queues a delivery.
func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *types.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.State == "" {
		d.State = types.DeliveryPending
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, subscription_id, event_id, event_type, payload, attempt, status_code,
			error, state, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.SubscriptionID, d.EventID, d.EventType, d.Payload, d.Attempt, d.StatusCode,
		d.Error, string(d.State), toMillis(d.NextAttemptAt), toMillis(d.CreatedAt), toMillis(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery records the outcome of an attempt.
func (s *SQLiteStorage) UpdateDelivery(ctx context.Context, d *types.Delivery) error {
	if !d.State.IsValid() {
		return fmt.Errorf("invalid delivery state: %s", d.State)
	}
	d.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempt = ?, status_code = ?, error = ?, state = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, d.Attempt, d.StatusCode, d.Error, string(d.State), toMillis(d.NextAttemptAt), toMillis(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return rowsAffectedOrNotFound(res, "delivery", d.ID)
}

const deliveryColumns = `id, subscription_id, event_id, event_type, payload, attempt, status_code,
	error, state, next_attempt_at, created_at, updated_at`

func (s *SQLiteStorage) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]*types.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Delivery
	for rows.Next() {
		var d types.Delivery
		var next, created, updated int64
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.Payload, &d.Attempt,
			&d.StatusCode, &d.Error, &d.State, &next, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.NextAttemptAt = fromMillis(next)
		d.CreatedAt = fromMillis(created)
		d.UpdatedAt = fromMillis(updated)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListDueDeliveries returns pending or failed deliveries whose next attempt
// is due, soonest first.
func (s *SQLiteStorage) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*types.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE state IN ('pending', 'failed') AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at
		LIMIT ?
	`, now.UnixMilli(), limit)
}

// ListDeliveries returns a subscription's deliveries, newest first.
func (s *SQLiteStorage) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*types.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE subscription_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, subscriptionID, limit)
}

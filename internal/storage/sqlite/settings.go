package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plinthcms/plinth/internal/types"
)

// GetSetting retrieves one setting value.
func (s *SQLiteStorage) GetSetting(ctx context.Context, siteID, pluginID, key string) (*types.Setting, error) {
	setting := types.Setting{SiteID: siteID, PluginID: pluginID, Key: key}
	var value string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM settings
		WHERE site_id = ? AND plugin_id = ? AND key = ?
	`, siteID, pluginID, key).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("setting", siteID+"/"+pluginID+"/"+key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	setting.Value = []byte(value)
	setting.UpdatedAt = fromMillis(updatedAt)
	return &setting, nil
}

// SetSetting writes one setting value.
func (s *SQLiteStorage) SetSetting(ctx context.Context, setting *types.Setting) error {
	if err := setting.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	setting.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (site_id, plugin_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (site_id, plugin_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, setting.SiteID, setting.PluginID, setting.Key, string(setting.Value), toMillis(setting.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", setting.Key, err)
	}
	return nil
}

// ListSettings returns a plugin's settings on a site ordered by key.
func (s *SQLiteStorage) ListSettings(ctx context.Context, siteID, pluginID string) ([]*types.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM settings
		WHERE site_id = ? AND plugin_id = ?
		ORDER BY key
	`, siteID, pluginID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Setting
	for rows.Next() {
		setting := types.Setting{SiteID: siteID, PluginID: pluginID}
		var value string
		var updatedAt int64
		if err := rows.Scan(&setting.Key, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		setting.Value = []byte(value)
		setting.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &setting)
	}
	return out, rows.Err()
}

// DeleteSettings removes every setting of a plugin on a site.
func (s *SQLiteStorage) DeleteSettings(ctx context.Context, siteID, pluginID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE site_id = ? AND plugin_id = ?`, siteID, pluginID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

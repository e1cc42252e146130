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

// CreateSite inserts a site, assigning an id and creation time when unset.
func (s *PostgresStorage) CreateSite(ctx context.Context, site *types.Site) error {
	if err := site.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sites (id, slug, name, theme, created_at) VALUES ($1, $2, $3, $4, $5)
	`, site.ID, site.Slug, site.Name, site.Theme, toMillis(site.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("site %s: %w", site.Slug, types.ErrConflict)
		}
		return fmt.Errorf("failed to insert site: %w", err)
	}
	return nil
}

const siteColumns = `id, slug, name, theme, created_at`

func scanSite(row pgx.Row) (*types.Site, error) {
	var site types.Site
	var createdAt int64
	if err := row.Scan(&site.ID, &site.Slug, &site.Name, &site.Theme, &createdAt); err != nil {
		return nil, err
	}
	site.CreatedAt = fromMillis(createdAt)
	return &site, nil
}

func (s *PostgresStorage) getSite(ctx context.Context, column, value string) (*types.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE `+column+` = $1`, value))
	if isNoRows(err) {
		return nil, notFound("site", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

// GetSite retrieves a site by id.
func (s *PostgresStorage) GetSite(ctx context.Context, id string) (*types.Site, error) {
	return s.getSite(ctx, "id", id)
}

// GetSiteBySlug retrieves a site by slug.
func (s *PostgresStorage) GetSiteBySlug(ctx context.Context, slug string) (*types.Site, error) {
	return s.getSite(ctx, "slug", slug)
}

// ListSites returns every site ordered by slug.
func (s *PostgresStorage) ListSites(ctx context.Context) ([]*types.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []*types.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// UpdateSiteTheme sets the plugin id of the site's active theme.
func (s *PostgresStorage) UpdateSiteTheme(ctx context.Context, id, theme string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sites SET theme = $1 WHERE id = $2`, theme, id)
	if err != nil {
		return fmt.Errorf("failed to update site theme: %w", err)
	}
	return requireRow(tag, "site", id)
}

// DeleteSite removes a site and everything that cascades from it.
func (s *PostgresStorage) DeleteSite(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	return requireRow(tag, "site", id)
}

// UpsertInstallation inserts or replaces an installation row.
func (s *PostgresStorage) UpsertInstallation(ctx context.Context, inst *types.Installation) error {
	if inst.Status == "" {
		inst.Status = types.InstallInactive
	}
	if err := inst.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now()
	if inst.InstalledAt.IsZero() {
		inst.InstalledAt = now
	}
	inst.UpdatedAt = now

	granted := inst.Granted
	if granted == nil {
		granted = []types.Capability{}
	}
	grantedJSON, err := json.Marshal(granted)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO installations (
			site_id, plugin_id, version, enabled, granted, status, last_error, installed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (site_id, plugin_id) DO UPDATE SET
			version = EXCLUDED.version,
			enabled = EXCLUDED.enabled,
			granted = EXCLUDED.granted,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, inst.SiteID, inst.PluginID, inst.Version, inst.Enabled, string(grantedJSON),
		string(inst.Status), inst.LastError, toMillis(inst.InstalledAt), toMillis(inst.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert installation %s/%s: %w", inst.SiteID, inst.PluginID, err)
	}
	return nil
}

const installationColumns = `site_id, plugin_id, version, enabled, granted::text, status, last_error, installed_at, updated_at`

func scanInstallation(row pgx.Row) (*types.Installation, error) {
	var inst types.Installation
	var granted, status string
	var installedAt, updatedAt int64
	if err := row.Scan(&inst.SiteID, &inst.PluginID, &inst.Version, &inst.Enabled, &granted,
		&status, &inst.LastError, &installedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(granted), &inst.Granted); err != nil {
		return nil, fmt.Errorf("failed to decode grants: %w", err)
	}
	inst.Status = types.InstallStatus(status)
	inst.InstalledAt = fromMillis(installedAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return &inst, nil
}

// GetInstallation retrieves one installation.
func (s *PostgresStorage) GetInstallation(ctx context.Context, siteID, pluginID string) (*types.Installation, error) {
	inst, err := scanInstallation(s.pool.QueryRow(ctx,
		`SELECT `+installationColumns+` FROM installations WHERE site_id = $1 AND plugin_id = $2`, siteID, pluginID))
	if isNoRows(err) {
		return nil, notFound("installation", siteID+"/"+pluginID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return inst, nil
}

// ListInstallations returns a site's installations ordered by plugin id.
func (s *PostgresStorage) ListInstallations(ctx context.Context, siteID string) ([]*types.Installation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+installationColumns+` FROM installations WHERE site_id = $1 ORDER BY plugin_id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	defer rows.Close()

	var out []*types.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetInstallationStatus records an activation outcome.
func (s *PostgresStorage) SetInstallationStatus(ctx context.Context, siteID, pluginID string, status types.InstallStatus, lastError string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid installation status: %s", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE installations SET status = $1, last_error = $2, updated_at = $3
		WHERE site_id = $4 AND plugin_id = $5
	`, string(status), lastError, time.Now().UnixMilli(), siteID, pluginID)
	if err != nil {
		return fmt.Errorf("failed to set installation status: %w", err)
	}
	return requireRow(tag, "installation", siteID+"/"+pluginID)
}

// DeleteInstallation removes an installation together with its settings.
func (s *PostgresStorage) DeleteInstallation(ctx context.Context, siteID, pluginID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM installations WHERE site_id = $1 AND plugin_id = $2`, siteID, pluginID)
		if err != nil {
			return fmt.Errorf("failed to delete installation: %w", err)
		}
		if err := requireRow(tag, "installation", siteID+"/"+pluginID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM settings WHERE site_id = $1 AND plugin_id = $2`, siteID, pluginID); err != nil {
			return fmt.Errorf("failed to delete settings: %w", err)
		}
		return nil
	})
}

// GetSetting retrieves one setting value.
func (s *PostgresStorage) GetSetting(ctx context.Context, siteID, pluginID, key string) (*types.Setting, error) {
	setting := types.Setting{SiteID: siteID, PluginID: pluginID, Key: key}
	var value string
	var updatedAt int64
	err := s.pool.QueryRow(ctx, `
		SELECT value::text, updated_at FROM settings
		WHERE site_id = $1 AND plugin_id = $2 AND key = $3
	`, siteID, pluginID, key).Scan(&value, &updatedAt)
	if isNoRows(err) {
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
func (s *PostgresStorage) SetSetting(ctx context.Context, setting *types.Setting) error {
	if err := setting.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	setting.UpdatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (site_id, plugin_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (site_id, plugin_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, setting.SiteID, setting.PluginID, setting.Key, string(setting.Value), toMillis(setting.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", setting.Key, err)
	}
	return nil
}

// ListSettings returns a plugin's settings on a site ordered by key.
func (s *PostgresStorage) ListSettings(ctx context.Context, siteID, pluginID string) ([]*types.Setting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value::text, updated_at FROM settings
		WHERE site_id = $1 AND plugin_id = $2
		ORDER BY key
	`, siteID, pluginID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

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
func (s *PostgresStorage) DeleteSettings(ctx context.Context, siteID, pluginID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE site_id = $1 AND plugin_id = $2`, siteID, pluginID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete settings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

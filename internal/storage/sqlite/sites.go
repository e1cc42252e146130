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

// CreateSite inserts a site, assigning an id and creation time when unset.
func (s *SQLiteStorage) CreateSite(ctx context.Context, site *types.Site) error {
	if err := site.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, slug, name, theme, created_at)
		VALUES (?, ?, ?, ?, ?)
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

func scanSite(row interface{ Scan(...any) error }) (*types.Site, error) {
	var site types.Site
	var createdAt int64
	if err := row.Scan(&site.ID, &site.Slug, &site.Name, &site.Theme, &createdAt); err != nil {
		return nil, err
	}
	site.CreatedAt = fromMillis(createdAt)
	return &site, nil
}

// GetSite retrieves a site by id.
func (s *SQLiteStorage) GetSite(ctx context.Context, id string) (*types.Site, error) {
	site, err := scanSite(s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("site", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

// GetSiteBySlug retrieves a site by slug.
func (s *SQLiteStorage) GetSiteBySlug(ctx context.Context, slug string) (*types.Site, error) {
	site, err := scanSite(s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("site", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

// ListSites returns every site ordered by slug.
func (s *SQLiteStorage) ListSites(ctx context.Context) ([]*types.Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStorage) UpdateSiteTheme(ctx context.Context, id, theme string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sites SET theme = ? WHERE id = ?`, theme, id)
	if err != nil {
		return fmt.Errorf("failed to update site theme: %w", err)
	}
	return rowsAffectedOrNotFound(res, "site", id)
}

// DeleteSite removes a site; installations, settings, webhooks and
// analytics cascade.
func (s *SQLiteStorage) DeleteSite(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	return rowsAffectedOrNotFound(res, "site", id)
}

// UpsertInstallation inserts or replaces an installation row.
func (s *SQLiteStorage) UpsertInstallation(ctx context.Context, inst *types.Installation) error {
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

	granted, err := json.Marshal(grantsOrEmpty(inst.Granted))
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO installations (
			site_id, plugin_id, version, enabled, granted, status, last_error, installed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, plugin_id) DO UPDATE SET
			version = excluded.version,
			enabled = excluded.enabled,
			granted = excluded.granted,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, inst.SiteID, inst.PluginID, inst.Version, inst.Enabled, string(granted),
		string(inst.Status), inst.LastError, toMillis(inst.InstalledAt), toMillis(inst.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert installation %s/%s: %w", inst.SiteID, inst.PluginID, err)
	}
	return nil
}

func grantsOrEmpty(caps []types.Capability) []types.Capability {
	if caps == nil {
		return []types.Capability{}
	}
	return caps
}

const installationColumns = `site_id, plugin_id, version, enabled, granted, status, last_error, installed_at, updated_at`

func scanInstallation(row interface{ Scan(...any) error }) (*types.Installation, error) {
	var inst types.Installation
	var granted string
	var installedAt, updatedAt int64
	if err := row.Scan(&inst.SiteID, &inst.PluginID, &inst.Version, &inst.Enabled, &granted,
		&inst.Status, &inst.LastError, &installedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(granted), &inst.Granted); err != nil {
		return nil, fmt.Errorf("failed to decode grants: %w", err)
	}
	inst.InstalledAt = fromMillis(installedAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return &inst, nil
}

// GetInstallation retrieves one installation.
func (s *SQLiteStorage) GetInstallation(ctx context.Context, siteID, pluginID string) (*types.Installation, error) {
	inst, err := scanInstallation(s.db.QueryRowContext(ctx,
		`SELECT `+installationColumns+` FROM installations WHERE site_id = ? AND plugin_id = ?`, siteID, pluginID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("installation", siteID+"/"+pluginID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return inst, nil
}

// ListInstallations returns a site's installations ordered by plugin id.
func (s *SQLiteStorage) ListInstallations(ctx context.Context, siteID string) ([]*types.Installation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installationColumns+` FROM installations WHERE site_id = ? ORDER BY plugin_id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStorage) SetInstallationStatus(ctx context.Context, siteID, pluginID string, status types.InstallStatus, lastError string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid installation status: %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE installations SET status = ?, last_error = ?, updated_at = ?
		WHERE site_id = ? AND plugin_id = ?
	`, string(status), lastError, time.Now().UnixMilli(), siteID, pluginID)
	if err != nil {
		return fmt.Errorf("failed to set installation status: %w", err)
	}
	return rowsAffectedOrNotFound(res, "installation", siteID+"/"+pluginID)
}

// DeleteInstallation removes an installation together with its settings.
func (s *SQLiteStorage) DeleteInstallation(ctx context.Context, siteID, pluginID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM installations WHERE site_id = ? AND plugin_id = ?`, siteID, pluginID)
	if err != nil {
		return fmt.Errorf("failed to delete installation: %w", err)
	}
	if err := rowsAffectedOrNotFound(res, "installation", siteID+"/"+pluginID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE site_id = ? AND plugin_id = ?`, siteID, pluginID); err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	return tx.Commit()
}

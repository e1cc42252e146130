package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plinthcms/plinth/internal/types"
)

// AcquireLease takes the named lease for holder until now+ttl. It succeeds
// when the lease is free, expired or already held by holder (which
// extends it).
func (s *SQLiteStorage) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
	`, name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// RenewLease extends a lease the holder still owns. It returns false if
// the lease was lost.
func (s *SQLiteStorage) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE name = ? AND holder = ? AND expires_at > ?
	`, now.Add(ttl).UnixMilli(), name, holder, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if holder owns it.
func (s *SQLiteStorage) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// GetLease returns the current lease row, expired or not.
func (s *SQLiteStorage) GetLease(ctx context.Context, name string) (*types.Lease, error) {
	lease := types.Lease{Name: name}
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE name = ?`, name).Scan(&lease.Holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lease", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	lease.ExpiresAt = fromMillis(expires)
	return &lease, nil
}

// GetCronRun returns the bookkeeping row of a job.
func (s *SQLiteStorage) GetCronRun(ctx context.Context, name string) (*types.CronRun, error) {
	run := types.CronRun{Name: name}
	var last, next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_at, next_run_at, last_error FROM cron_runs WHERE name = ?
	`, name).Scan(&last, &next, &run.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cron run", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cron run: %w", err)
	}
	run.LastRunAt = fromMillis(last)
	run.NextRunAt = fromMillis(next)
	return &run, nil
}

// SetCronRun writes the bookkeeping row of a job.
func (s *SQLiteStorage) SetCronRun(ctx context.Context, run *types.CronRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_runs (name, last_run_at, next_run_at, last_error) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			last_error = excluded.last_error
	`, run.Name, toMillis(run.LastRunAt), toMillis(run.NextRunAt), run.LastError)
	if err != nil {
		return fmt.Errorf("failed to set cron run %s: %w", run.Name, err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/plinthcms/plinth/internal/types"
)

// AcquireLease takes the named lease for holder until now+ttl. It succeeds
// when the lease is free, expired or already held by holder.
func (s *PostgresStorage) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE leases.holder = EXCLUDED.holder OR leases.expires_at <= $4
	`, name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RenewLease extends a lease the holder still owns.
func (s *PostgresStorage) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE leases SET expires_at = $1
		WHERE name = $2 AND holder = $3 AND expires_at > $4
	`, now.Add(ttl).UnixMilli(), name, holder, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if holder owns it.
func (s *PostgresStorage) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// GetLease returns the current lease row, expired or not.
func (s *PostgresStorage) GetLease(ctx context.Context, name string) (*types.Lease, error) {
	lease := types.Lease{Name: name}
	var expires int64
	err := s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM leases WHERE name = $1`, name).Scan(&lease.Holder, &expires)
	if isNoRows(err) {
		return nil, notFound("lease", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	lease.ExpiresAt = fromMillis(expires)
	return &lease, nil
}

// GetCronRun returns the bookkeeping row of a job.
func (s *PostgresStorage) GetCronRun(ctx context.Context, name string) (*types.CronRun, error) {
	run := types.CronRun{Name: name}
	var last, next int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_run_at, next_run_at, last_error FROM cron_runs WHERE name = $1
	`, name).Scan(&last, &next, &run.LastError)
	if isNoRows(err) {
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
func (s *PostgresStorage) SetCronRun(ctx context.Context, run *types.CronRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cron_runs (name, last_run_at, next_run_at, last_error) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			next_run_at = EXCLUDED.next_run_at,
			last_error = EXCLUDED.last_error
	`, run.Name, toMillis(run.LastRunAt), toMillis(run.NextRunAt), run.LastError)
	if err != nil {
		return fmt.Errorf("failed to set cron run %s: %w", run.Name, err)
	}
	return nil
}

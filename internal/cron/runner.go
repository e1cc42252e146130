package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/types"
)

// LeaseName is the advisory lease a runner must hold to run jobs.
const LeaseName = "cron"

// Store is the persistence the runner needs.
type Store interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	GetCronRun(ctx context.Context, name string) (*types.CronRun, error)
	SetCronRun(ctx context.Context, run *types.CronRun) error
}

// TickResult summarizes one tick.
type TickResult struct {
	Leased bool     `json:"leased"`
	Ran    []string `json:"ran,omitempty"`
	Failed []string `json:"failed,omitempty"`
}

// Runner executes due jobs.
type Runner struct {
	store     Store
	scheduler *Scheduler
	cfg       config.CronConfig
	recorder  events.Recorder
	logger    *zap.Logger
	holder    string
	now       func() time.Time
}

// NewRunner creates a runner. Each runner has a unique lease holder id.
func NewRunner(store Store, scheduler *Scheduler, cfg config.CronConfig, recorder events.Recorder, logger *zap.Logger) *Runner {
	hostname, _ := os.Hostname()
	if recorder == nil {
		recorder = events.Discard
	}
	return &Runner{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg,
		recorder:  recorder,
		logger:    logger,
		holder:    fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		now:       time.Now,
	}
}

// Holder returns the runner's lease holder id.
func (r *Runner) Holder() string { return r.holder }

// Tick runs every due job once. If another runner holds the lease the
// tick does nothing and reports Leased=false.
func (r *Runner) Tick(ctx context.Context) (*TickResult, error) {
	ok, err := r.store.AcquireLease(ctx, LeaseName, r.holder, r.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cron lease: %w", err)
	}
	result := &TickResult{Leased: ok}
	if !ok {
		r.logger.Debug("cron lease held elsewhere, skipping tick")
		return result, nil
	}
	defer func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), LeaseName, r.holder); err != nil {
			r.logger.Warn("failed to release cron lease", zap.Error(err))
		}
	}()

	for _, job := range r.scheduler.Jobs() {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		due, err := r.due(ctx, job)
		if err != nil {
			r.logger.Error("failed to load cron run", zap.String("job", job.Key()), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		if err := r.run(ctx, job); err != nil {
			result.Failed = append(result.Failed, job.Key())
		} else {
			result.Ran = append(result.Ran, job.Key())
		}

		held, err := r.store.RenewLease(ctx, LeaseName, r.holder, r.cfg.LeaseTTL)
		if err != nil || !held {
			r.logger.Warn("lost cron lease mid-tick", zap.Error(err))
			return result, nil
		}
	}
	return result, nil
}

func (r *Runner) due(ctx context.Context, job Job) (bool, error) {
	run, err := r.store.GetCronRun(ctx, job.Key())
	if errors.Is(err, types.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !run.NextRunAt.After(r.now()), nil
}

// run executes one job, records its outcome and schedules the next run.
func (r *Runner) run(ctx context.Context, job Job) error {
	started := r.now()
	jobCtx, cancel := context.WithTimeout(hooks.WithSite(ctx, job.SiteID), r.cfg.JobTimeout)
	err := invoke(jobCtx, job)
	cancel()
	elapsed := r.now().Sub(started)

	run := &types.CronRun{
		Name:      job.Key(),
		LastRunAt: started,
		NextRunAt: started.Add(job.Interval),
	}
	data := events.CronData{Job: job.Name, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		run.LastError = err.Error()
		data.Error = err.Error()
		r.logger.Error("cron job failed",
			zap.String("job", job.Key()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		r.logger.Info("cron job ran", zap.String("job", job.Key()), zap.Duration("elapsed", elapsed))
	}
	if serr := r.store.SetCronRun(context.WithoutCancel(ctx), run); serr != nil {
		r.logger.Error("failed to persist cron run", zap.String("job", job.Key()), zap.Error(serr))
	}
	r.recorder.Record(ctx, events.NewCronEvent(job.SiteID, job.PluginID, data))
	return err
}

func invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return job.Fn(ctx)
}

// Start claims the host pid lock and ticks every cfg.TickInterval until
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	lockPath, err := AcquirePIDLock(r.cfg.LockDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := ReleasePIDLock(lockPath); err != nil {
			r.logger.Warn("failed to release cron pid lock", zap.Error(err))
		}
	}()

	r.logger.Info("cron runner started",
		zap.String("holder", r.holder),
		zap.Duration("tick", r.cfg.TickInterval))

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("cron tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

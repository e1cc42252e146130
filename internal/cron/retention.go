package cron

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
)

// EventCleaner deletes old events.
type EventCleaner interface {
	CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error)
}

// RetentionJob returns the core job that enforces event retention.
func RetentionJob(store EventCleaner, cfg config.EventRetentionConfig, recorder events.Recorder, logger *zap.Logger) Job {
	return Job{
		PluginID: "core",
		Name:     "event-retention",
		Interval: cfg.CleanupInterval(),
		Fn: func(ctx context.Context) error {
			start := time.Now()
			deleted, err := store.CleanupEventsByAge(ctx, cfg.RetentionDays, cfg.RetentionCriticalDays, cfg.CleanupBatchSize)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			logger.Info("event retention sweep completed",
				zap.Int("deleted", deleted),
				zap.Duration("elapsed", elapsed))
			event := events.New(events.EventTypeEventCleanupCompleted, "", "core", events.SeverityInfo,
				"event retention sweep completed", nil)
			_ = event.SetData(events.EventCleanupCompletedData{
				EventsDeleted:    deleted,
				ProcessingTimeMs: elapsed.Milliseconds(),
			})
			recorder.Record(ctx, event)
			return nil
		},
	}
}

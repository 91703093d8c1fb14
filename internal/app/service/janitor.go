package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"go.uber.org/zap"
)

// MaxRetentionDays bounds the retention window to a hundred years.
const MaxRetentionDays = 36500

// CleanupResult reports one retention run. Error is set instead of the
// counts being complete when the run failed; counts then cover what was
// deleted before the failure.
type CleanupResult struct {
	PageViewsDeleted int64      `json:"page_views_deleted"`
	SessionsDeleted  int64      `json:"sessions_deleted"`
	RetentionDays    int        `json:"retention_days"`
	CleanupDate      time.Time  `json:"cleanup_date"`
	Cutoff           *time.Time `json:"cutoff,omitempty"`
	Disabled         bool       `json:"disabled,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Failed reports whether the run ended with an error.
func (r CleanupResult) Failed() bool { return r.Error != "" }

// CleanupOptions overrides the configured retention window and batch size
// for one run. Zero values keep the configuration.
type CleanupOptions struct {
	Days      *int
	BatchSize int
}

// TableCounts is the row count of a table and how many rows are expired.
type TableCounts struct {
	Total   int64 `json:"total"`
	Expired int64 `json:"expired"`
}

// RetentionReport describes what a cleanup would delete.
type RetentionReport struct {
	RetentionDays int         `json:"retention_days"`
	Disabled      bool        `json:"disabled"`
	Cutoff        time.Time   `json:"cutoff"`
	PageViews     TableCounts `json:"page_views"`
	Sessions      TableCounts `json:"sessions"`
}

// JanitorDeps groups dependencies required by the Janitor.
type JanitorDeps struct {
	Logger *zap.Logger
	Config config.RetentionConfig
	Repo   repository.RetentionRepository
	// Locker keeps scheduled runs single-flight; nil runs unguarded.
	Locker  Locker
	Clock   quartz.Clock
	Metrics *Metrics
}

// Janitor deletes page views and sessions older than the retention window.
type Janitor struct {
	logger     *zap.Logger
	repo       repository.RetentionRepository
	locker     Locker
	days       int
	batchSize  int
	batchPause time.Duration
	clock      quartz.Clock
	metrics    *Metrics
}

// NewJanitor creates a Janitor with the provided dependencies.
func NewJanitor(deps JanitorDeps) *Janitor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	batch := deps.Config.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &Janitor{
		logger:     logger.Named("janitor"),
		repo:       deps.Repo,
		locker:     deps.Locker,
		days:       deps.Config.Days,
		batchSize:  batch,
		batchPause: deps.Config.BatchPause,
		clock:      clock,
		metrics:    deps.Metrics,
	}
}

// CleanupOldData deletes rows older than retentionDays, or the configured
// window when nil. Zero disables retention and touches nothing.
func (j *Janitor) CleanupOldData(ctx context.Context, retentionDays *int) CleanupResult {
	return j.Cleanup(ctx, CleanupOptions{Days: retentionDays})
}

// Cleanup is CleanupOldData with a batch size override.
func (j *Janitor) Cleanup(ctx context.Context, opts CleanupOptions) CleanupResult {
	start := j.clock.Now()
	days := j.resolveDays(opts.Days)
	result := CleanupResult{RetentionDays: days, CleanupDate: start.UTC()}

	if err := validateDays(days); err != nil {
		result.Error = err.Error()
		j.logger.Error("retention cleanup rejected", zap.Int("retention_days", days))
		j.metrics.cleanupRun("rejected", 0)
		return result
	}
	if days == 0 {
		result.Disabled = true
		j.logger.Info("retention disabled, nothing to clean up")
		return result
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = j.batchSize
	}
	cutoff := j.cutoff(start, days)
	result.Cutoff = &cutoff

	var err error
	result.PageViewsDeleted, err = j.purge(ctx, model.PageViewsTable, cutoff, batch)
	if err == nil {
		result.SessionsDeleted, err = j.purge(ctx, model.SessionsTable, cutoff, batch)
	}

	elapsed := j.clock.Since(start)
	fields := []zap.Field{
		zap.Int("retention_days", days),
		zap.Time("cutoff", cutoff),
		zap.Int64("page_views_deleted", result.PageViewsDeleted),
		zap.Int64("sessions_deleted", result.SessionsDeleted),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		result.Error = err.Error()
		j.logger.Error("retention cleanup failed", append(fields, zap.Error(err))...)
		j.metrics.cleanupRun("failed", elapsed.Seconds())
		return result
	}

	j.logger.Info("retention cleanup finished", fields...)
	j.metrics.cleanupRun("succeeded", elapsed.Seconds())
	return result
}

// Inspect reports current and would-be-deleted row counts without deleting.
func (j *Janitor) Inspect(ctx context.Context, retentionDays *int) (RetentionReport, error) {
	days := j.resolveDays(retentionDays)
	if err := validateDays(days); err != nil {
		return RetentionReport{}, err
	}
	report := RetentionReport{RetentionDays: days, Disabled: days == 0}

	var err error
	if report.PageViews.Total, err = j.repo.Count(ctx, model.PageViewsTable); err != nil {
		return RetentionReport{}, err
	}
	if report.Sessions.Total, err = j.repo.Count(ctx, model.SessionsTable); err != nil {
		return RetentionReport{}, err
	}
	if report.Disabled {
		return report, nil
	}

	report.Cutoff = j.cutoff(j.clock.Now(), days)
	if report.PageViews.Expired, err = j.repo.CountOlderThan(ctx, model.PageViewsTable, report.Cutoff); err != nil {
		return RetentionReport{}, err
	}
	if report.Sessions.Expired, err = j.repo.CountOlderThan(ctx, model.SessionsTable, report.Cutoff); err != nil {
		return RetentionReport{}, err
	}
	return report, nil
}

// RunScheduled is the scheduler entry point: it skips the tick when another
// run holds the lock.
func (j *Janitor) RunScheduled(ctx context.Context) {
	if j.locker != nil {
		unlock, ok, err := j.locker.TryLock(ctx)
		if err != nil {
			j.logger.Error("failed to acquire janitor lock", zap.Error(err))
			return
		}
		if !ok {
			j.logger.Info("retention cleanup already running elsewhere, skipping tick")
			return
		}
		defer unlock()
	}
	j.CleanupOldData(ctx, nil)
}

func (j *Janitor) resolveDays(days *int) int {
	if days == nil {
		return j.days
	}
	return *days
}

func validateDays(days int) error {
	switch {
	case days < 0:
		return fmt.Errorf("retention days must not be negative, got %d", days)
	case days > MaxRetentionDays:
		return fmt.Errorf("retention days must not exceed %d, got %d", MaxRetentionDays, days)
	}
	return nil
}

func (j *Janitor) cutoff(now time.Time, days int) time.Time {
	return now.UTC().AddDate(0, 0, -days)
}

// purge deletes expired rows of table in batches until a short batch shows
// that none are left.
func (j *Janitor) purge(ctx context.Context, table string, cutoff time.Time, batch int) (int64, error) {
	var total int64
	for {
		n, err := j.repo.DeleteOlderThan(ctx, table, cutoff, batch)
		total += n
		j.metrics.deleted(table, n)
		if err != nil {
			return total, err
		}
		if n < int64(batch) {
			return total, nil
		}
		j.logger.Debug("retention batch deleted", zap.String("table", table), zap.Int64("rows", n))
		if err := j.pause(ctx); err != nil {
			return total, err
		}
	}
}

func (j *Janitor) pause(ctx context.Context) error {
	if j.batchPause <= 0 {
		return ctx.Err()
	}
	t := j.clock.NewTimer(j.batchPause, "janitor", "pause")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sifan077/PowerTrack/internal/app/model"
	"gorm.io/gorm"
)

// PageViewRepository defines the data access contract for page views.
type PageViewRepository interface {
	Create(ctx context.Context, view *model.PageView) error
	FindBySubject(ctx context.Context, subject model.SubjectFilter) ([]model.PageView, error)
	DeleteBySubject(ctx context.Context, subject model.SubjectFilter) (int64, error)
	Summary(ctx context.Context, r model.DateRange) (model.PageViewSummary, error)
	// CountBy groups views on dim, ordered by count descending then label
	// ascending. A non-positive limit returns every group.
	CountBy(ctx context.Context, dim model.Dimension, r model.DateRange, limit int) ([]model.LabelCount, error)
	// CountByDay returns per-day counts for views in [from, to). Days without
	// views are omitted.
	CountByDay(ctx context.Context, from, to time.Time) ([]model.DayCount, error)
}

type pageViewRepository struct {
	db *gorm.DB
}

// NewPageViewRepository returns a GORM-backed PageViewRepository.
func NewPageViewRepository(db *gorm.DB) PageViewRepository {
	return &pageViewRepository{db: db}
}

func (r *pageViewRepository) Create(ctx context.Context, view *model.PageView) error {
	return r.db.WithContext(ctx).Create(view).Error
}

func (r *pageViewRepository) FindBySubject(ctx context.Context, subject model.SubjectFilter) ([]model.PageView, error) {
	q, ok := whereSubject(r.db.WithContext(ctx), subject)
	if !ok {
		return nil, nil
	}

	var views []model.PageView
	if err := q.Order("viewed_at ASC, id ASC").Find(&views).Error; err != nil {
		return nil, err
	}
	return views, nil
}

func (r *pageViewRepository) DeleteBySubject(ctx context.Context, subject model.SubjectFilter) (int64, error) {
	q, ok := whereSubject(r.db.WithContext(ctx), subject)
	if !ok {
		return 0, nil
	}

	result := q.Delete(&model.PageView{})
	return result.RowsAffected, result.Error
}

func (r *pageViewRepository) Summary(ctx context.Context, rng model.DateRange) (model.PageViewSummary, error) {
	where, args := rangeClause("viewed_at", rng)

	// avg() over no rows is NULL, so every aggregate is coalesced.
	sql := `SELECT
		count(*) AS total_views,
		count(DISTINCT session_hash) AS unique_visitors,
		count(*) FILTER (WHERE is_bot) AS bot_views,
		coalesce(avg(response_time_ms), 0) AS avg_response_time_ms,
		coalesce(avg(page_load_time_ms), 0) AS avg_page_load_time_ms
	FROM page_views` + where

	var out model.PageViewSummary
	if err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&out).Error; err != nil {
		return model.PageViewSummary{}, err
	}
	return out, nil
}

func (r *pageViewRepository) CountBy(ctx context.Context, dim model.Dimension, rng model.DateRange, limit int) ([]model.LabelCount, error) {
	if !dim.Valid() {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	where, args := rangeClause("viewed_at", rng)

	// dim is whitelisted above, so it is safe to splice into the statement.
	sql := `SELECT coalesce(` + string(dim) + `, '` + UnknownLabel + `') AS label, count(*) AS count
	FROM page_views` + where + `
	GROUP BY 1 ORDER BY count DESC, label ASC`
	if limit > 0 {
		sql += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []model.LabelCount
	if err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *pageViewRepository) CountByDay(ctx context.Context, from, to time.Time) ([]model.DayCount, error) {
	return countByDay(ctx, r.db, model.PageViewsTable, "viewed_at", from, to)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/PowerTrack/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSessionNotFound signals that no session exists for the hash.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the data access contract for sessions.
type SessionRepository interface {
	// Create inserts the session unless one already exists for its hash.
	// created is false when the hash was taken.
	Create(ctx context.Context, session *model.Session) (created bool, err error)
	// Advance moves an open session to page and atomically increments its
	// view count, closing it when end is set. ok is false when no open
	// session exists for the hash.
	Advance(ctx context.Context, hash, page string, end bool, at time.Time) (ok bool, err error)
	// End closes an open session. ok is false when it is missing or closed.
	End(ctx context.Context, hash string, exitPage *string, at time.Time) (ok bool, err error)
	// CloseIdle ends every open session last active before idleBefore. Each
	// is closed at its last activity on its current page.
	CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error)
	GetByHash(ctx context.Context, hash string) (*model.Session, error)
	FindBySubject(ctx context.Context, subject model.SubjectFilter) ([]model.Session, error)
	DeleteBySubject(ctx context.Context, subject model.SubjectFilter) (int64, error)
	Summary(ctx context.Context, r model.DateRange, engaged model.EngagementThresholds) (model.SessionSummary, error)
	// CountByDay returns per-day counts of sessions started in [from, to).
	CountByDay(ctx context.Context, from, to time.Time) ([]model.DayCount, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a GORM-backed SessionRepository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, session *model.Session) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_hash"}},
			DoNothing: true,
		}).
		Create(session)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) Advance(ctx context.Context, hash, page string, end bool, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"current_page":    page,
		"page_view_count": gorm.Expr("page_view_count + 1"),
		"updated_at":      at,
	}
	if end {
		updates["exit_page"] = page
		updates["session_ended_at"] = gorm.Expr("GREATEST(?, session_started_at)", at)
	}

	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_hash = ? AND session_ended_at IS NULL", hash).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) End(ctx context.Context, hash string, exitPage *string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"session_ended_at": gorm.Expr("GREATEST(?, session_started_at)", at),
		"updated_at":       at,
	}
	if exitPage != nil {
		updates["exit_page"] = *exitPage
	} else {
		updates["exit_page"] = gorm.Expr("current_page")
	}

	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_hash = ? AND session_ended_at IS NULL", hash).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_ended_at IS NULL AND updated_at < ?", idleBefore).
		UpdateColumns(map[string]interface{}{
			"session_ended_at": gorm.Expr("GREATEST(updated_at, session_started_at)"),
			"exit_page":        gorm.Expr("current_page"),
		})
	return result.RowsAffected, result.Error
}

func (r *sessionRepository) GetByHash(ctx context.Context, hash string) (*model.Session, error) {
	var session model.Session
	if err := r.db.WithContext(ctx).Where("session_hash = ?", hash).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) FindBySubject(ctx context.Context, subject model.SubjectFilter) ([]model.Session, error) {
	q, ok := whereSubject(r.db.WithContext(ctx), subject)
	if !ok {
		return nil, nil
	}

	var sessions []model.Session
	if err := q.Order("session_started_at ASC, id ASC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepository) DeleteBySubject(ctx context.Context, subject model.SubjectFilter) (int64, error) {
	q, ok := whereSubject(r.db.WithContext(ctx), subject)
	if !ok {
		return 0, nil
	}

	result := q.Delete(&model.Session{})
	return result.RowsAffected, result.Error
}

func (r *sessionRepository) Summary(ctx context.Context, rng model.DateRange, engaged model.EngagementThresholds) (model.SessionSummary, error) {
	where, rangeArgs := rangeClause("session_started_at", rng)

	sql := `SELECT
		count(*) AS total_sessions,
		count(*) FILTER (WHERE page_view_count <= 1) AS bounced_sessions,
		count(*) FILTER (WHERE session_ended_at IS NOT NULL) AS closed_sessions,
		count(*) FILTER (WHERE page_view_count > 1) AS multi_page_sessions,
		count(*) FILTER (WHERE page_view_count >= ?
			OR (session_ended_at IS NOT NULL AND extract(epoch FROM session_ended_at - session_started_at) >= ?)) AS engaged_sessions,
		coalesce(sum(extract(epoch FROM session_ended_at - session_started_at)) FILTER (WHERE session_ended_at IS NOT NULL), 0) AS total_duration_secs,
		coalesce(sum(page_view_count), 0) AS total_page_views
	FROM sessions` + where

	args := append([]any{engaged.MinPageViews, engaged.MinDuration.Seconds()}, rangeArgs...)

	var out model.SessionSummary
	if err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&out).Error; err != nil {
		return model.SessionSummary{}, err
	}
	return out, nil
}

func (r *sessionRepository) CountByDay(ctx context.Context, from, to time.Time) ([]model.DayCount, error) {
	return countByDay(ctx, r.db, model.SessionsTable, "session_started_at", from, to)
}

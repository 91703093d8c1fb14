package repository

import (
	"context"
	"time"

	"github.com/sifan077/PowerTrack/internal/app/model"
	"gorm.io/gorm"
)

// UnknownLabel replaces NULL group-by values.
const UnknownLabel = "unknown"

// whereSubject scopes q to a subject. ok is false when the filter carries no
// identifier, in which case callers must not touch any row.
func whereSubject(q *gorm.DB, subject model.SubjectFilter) (*gorm.DB, bool) {
	switch {
	case subject.UserID != nil:
		return q.Where("user_id = ?", *subject.UserID), true
	case subject.SessionHash != "":
		return q.Where("session_hash = ?", subject.SessionHash), true
	default:
		return q, false
	}
}

func rangeClause(column string, r model.DateRange) (string, []any) {
	where := ""
	var args []any
	if r.From != nil {
		where += " WHERE " + column + " >= ?"
		args = append(args, *r.From)
	}
	if r.To != nil {
		if where == "" {
			where += " WHERE "
		} else {
			where += " AND "
		}
		where += column + " <= ?"
		args = append(args, *r.To)
	}
	return where, args
}

func countByDay(ctx context.Context, db *gorm.DB, table, column string, from, to time.Time) ([]model.DayCount, error) {
	sql := `SELECT to_char(date_trunc('day', ` + column + ` AT TIME ZONE 'UTC'), 'YYYY-MM-DD') AS day, count(*) AS count
	FROM ` + table + `
	WHERE ` + column + ` >= ? AND ` + column + ` < ?
	GROUP BY 1 ORDER BY 1`

	var rows []model.DayCount
	if err := db.WithContext(ctx).Raw(sql, from, to).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Package memory is an in-process implementation of the analytics
// repositories. It mirrors the SQL semantics of the GORM and pgx
// repositories closely enough to back unit tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
)

// Store holds page views and sessions behind a single mutex.
type Store struct {
	mu            sync.Mutex
	views         []model.PageView
	sessions      []*model.Session
	nextViewID    uint64
	nextSessionID uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// PageViews returns the page view repository view of the store.
func (s *Store) PageViews() repository.PageViewRepository { return pageViews{s} }

// Sessions returns the session repository view of the store.
func (s *Store) Sessions() repository.SessionRepository { return sessions{s} }

// Retention returns the retention repository view of the store.
func (s *Store) Retention() repository.RetentionRepository { return retention{s} }

// AllPageViews returns a copy of every stored page view.
func (s *Store) AllPageViews() []model.PageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PageView(nil), s.views...)
}

// AllSessions returns a copy of every stored session.
func (s *Store) AllSessions() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

func matchesSubject(userID *uint64, hash string, f model.SubjectFilter) bool {
	switch {
	case f.UserID != nil:
		return userID != nil && *userID == *f.UserID
	case f.SessionHash != "":
		return hash == f.SessionHash
	default:
		return false
	}
}

type pageViews struct{ s *Store }

func (r pageViews) Create(_ context.Context, view *model.PageView) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.nextViewID++
	view.ID = r.s.nextViewID
	r.s.views = append(r.s.views, *view)
	return nil
}

func (r pageViews) FindBySubject(_ context.Context, f model.SubjectFilter) ([]model.PageView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.PageView
	for _, v := range r.s.views {
		if matchesSubject(v.UserID, v.SessionHash, f) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r pageViews) DeleteBySubject(_ context.Context, f model.SubjectFilter) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.views[:0]
	var deleted int64
	for _, v := range r.s.views {
		if matchesSubject(v.UserID, v.SessionHash, f) {
			deleted++
			continue
		}
		kept = append(kept, v)
	}
	r.s.views = kept
	return deleted, nil
}

func (r pageViews) Summary(_ context.Context, rng model.DateRange) (model.PageViewSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var (
		out                model.PageViewSummary
		respSum, loadSum   float64
		respCount, loadCnt int
	)
	visitors := map[string]struct{}{}
	for _, v := range r.s.views {
		if !rng.Contains(v.ViewedAt) {
			continue
		}
		out.TotalViews++
		visitors[v.SessionHash] = struct{}{}
		if v.IsBot {
			out.BotViews++
		}
		if v.ResponseTimeMs != nil {
			respSum += float64(*v.ResponseTimeMs)
			respCount++
		}
		if v.PageLoadTimeMs != nil {
			loadSum += float64(*v.PageLoadTimeMs)
			loadCnt++
		}
	}
	out.UniqueVisitors = int64(len(visitors))
	if respCount > 0 {
		out.AvgResponseTimeMs = respSum / float64(respCount)
	}
	if loadCnt > 0 {
		out.AvgPageLoadTimeMs = loadSum / float64(loadCnt)
	}
	return out, nil
}

func (r pageViews) CountBy(_ context.Context, dim model.Dimension, rng model.DateRange, limit int) ([]model.LabelCount, error) {
	if !dim.Valid() {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}

	r.s.mu.Lock()
	counts := map[string]int64{}
	for _, v := range r.s.views {
		if rng.Contains(v.ViewedAt) {
			counts[label(v, dim)]++
		}
	}
	r.s.mu.Unlock()

	out := make([]model.LabelCount, 0, len(counts))
	for l, c := range counts {
		out = append(out, model.LabelCount{Label: l, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func label(v model.PageView, dim model.Dimension) string {
	var p *string
	switch dim {
	case model.DimensionPath:
		return v.Path
	case model.DimensionDevice:
		return string(v.DeviceType)
	case model.DimensionBrowser:
		p = v.BrowserFamily
	case model.DimensionOS:
		p = v.OSFamily
	case model.DimensionReferrer:
		p = v.Referrer
	}
	if p == nil {
		return repository.UnknownLabel
	}
	return *p
}

func (r pageViews) CountByDay(_ context.Context, from, to time.Time) ([]model.DayCount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	times := make([]time.Time, 0, len(r.s.views))
	for _, v := range r.s.views {
		times = append(times, v.ViewedAt)
	}
	return bucketByDay(times, from, to), nil
}

func bucketByDay(times []time.Time, from, to time.Time) []model.DayCount {
	counts := map[string]int64{}
	for _, t := range times {
		if t.Before(from) || !t.Before(to) {
			continue
		}
		counts[t.UTC().Format(model.DayLayout)]++
	}

	out := make([]model.DayCount, 0, len(counts))
	for d, c := range counts {
		out = append(out, model.DayCount{Day: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

type sessions struct{ s *Store }

func (r sessions) find(hash string) *model.Session {
	for _, sess := range r.s.sessions {
		if sess.SessionHash == hash {
			return sess
		}
	}
	return nil
}

func (r sessions) Create(_ context.Context, session *model.Session) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.find(session.SessionHash) != nil {
		return false, nil
	}
	r.s.nextSessionID++
	session.ID = r.s.nextSessionID
	stored := *session
	r.s.sessions = append(r.s.sessions, &stored)
	return true, nil
}

func (r sessions) Advance(_ context.Context, hash, page string, end bool, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sess := r.find(hash)
	if sess == nil || !sess.Open() {
		return false, nil
	}
	current := page
	sess.CurrentPage = &current
	sess.PageViewCount++
	sess.UpdatedAt = at
	if end {
		exit := page
		sess.ExitPage = &exit
		sess.SessionEndedAt = closeAt(sess, at)
	}
	return true, nil
}

func (r sessions) End(_ context.Context, hash string, exitPage *string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sess := r.find(hash)
	if sess == nil || !sess.Open() {
		return false, nil
	}
	if exitPage != nil {
		exit := *exitPage
		sess.ExitPage = &exit
	} else {
		sess.ExitPage = sess.CurrentPage
	}
	sess.SessionEndedAt = closeAt(sess, at)
	sess.UpdatedAt = at
	return true, nil
}

func (r sessions) CloseIdle(_ context.Context, idleBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var closed int64
	for _, sess := range r.s.sessions {
		if !sess.Open() || !sess.UpdatedAt.Before(idleBefore) {
			continue
		}
		sess.ExitPage = sess.CurrentPage
		sess.SessionEndedAt = closeAt(sess, sess.UpdatedAt)
		closed++
	}
	return closed, nil
}

func closeAt(sess *model.Session, at time.Time) *time.Time {
	if at.Before(sess.SessionStartedAt) {
		at = sess.SessionStartedAt
	}
	return &at
}

func (r sessions) GetByHash(_ context.Context, hash string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sess := r.find(hash)
	if sess == nil {
		return nil, repository.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

func (r sessions) FindBySubject(_ context.Context, f model.SubjectFilter) ([]model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.Session
	for _, sess := range r.s.sessions {
		if matchesSubject(sess.UserID, sess.SessionHash, f) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (r sessions) DeleteBySubject(_ context.Context, f model.SubjectFilter) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.sessions[:0]
	var deleted int64
	for _, sess := range r.s.sessions {
		if matchesSubject(sess.UserID, sess.SessionHash, f) {
			deleted++
			continue
		}
		kept = append(kept, sess)
	}
	r.s.sessions = kept
	return deleted, nil
}

func (r sessions) Summary(_ context.Context, rng model.DateRange, engaged model.EngagementThresholds) (model.SessionSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out model.SessionSummary
	for _, sess := range r.s.sessions {
		if !rng.Contains(sess.SessionStartedAt) {
			continue
		}
		out.TotalSessions++
		out.TotalPageViews += int64(sess.PageViewCount)
		if sess.PageViewCount <= 1 {
			out.BouncedSessions++
		} else {
			out.MultiPageSessions++
		}

		d, closed := sess.Duration()
		if closed {
			out.ClosedSessions++
			out.TotalDurationSecs += d.Seconds()
		}
		if sess.PageViewCount >= engaged.MinPageViews || (closed && d >= engaged.MinDuration) {
			out.EngagedSessions++
		}
	}
	return out, nil
}

func (r sessions) CountByDay(_ context.Context, from, to time.Time) ([]model.DayCount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	times := make([]time.Time, 0, len(r.s.sessions))
	for _, sess := range r.s.sessions {
		times = append(times, sess.SessionStartedAt)
	}
	return bucketByDay(times, from, to), nil
}

type retention struct{ s *Store }

func (r retention) Count(_ context.Context, table string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	switch table {
	case model.PageViewsTable:
		return int64(len(r.s.views)), nil
	case model.SessionsTable:
		return int64(len(r.s.sessions)), nil
	}
	return 0, fmt.Errorf("table %q is not subject to retention", table)
}

func (r retention) CountOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	switch table {
	case model.PageViewsTable:
		for _, v := range r.s.views {
			if v.ViewedAt.Before(cutoff) {
				n++
			}
		}
	case model.SessionsTable:
		for _, sess := range r.s.sessions {
			if sess.SessionStartedAt.Before(cutoff) {
				n++
			}
		}
	default:
		return 0, fmt.Errorf("table %q is not subject to retention", table)
	}
	return n, nil
}

func (r retention) DeleteOlderThan(_ context.Context, table string, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("delete expired %s: batch size must be positive", table)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var deleted int64
	switch table {
	case model.PageViewsTable:
		kept := r.s.views[:0]
		for _, v := range r.s.views {
			if deleted < int64(limit) && v.ViewedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, v)
		}
		r.s.views = kept
	case model.SessionsTable:
		kept := r.s.sessions[:0]
		for _, sess := range r.s.sessions {
			if deleted < int64(limit) && sess.SessionStartedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, sess)
		}
		r.s.sessions = kept
	default:
		return 0, fmt.Errorf("table %q is not subject to retention", table)
	}
	return deleted, nil
}

package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"go.uber.org/zap"
)

// PageViewStats summarises page views in a range.
type PageViewStats struct {
	TotalViews        int64   `json:"total_views"`
	UniqueVisitors    int64   `json:"unique_visitors"`
	BotViews          int64   `json:"bot_views"`
	HumanViews        int64   `json:"human_views"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	AvgPageLoadTimeMs float64 `json:"avg_page_load_time_ms"`
}

// SessionStats summarises sessions started in a range. BounceRate is a
// percentage; AvgDurationSeconds only covers closed sessions.
type SessionStats struct {
	TotalSessions      int64   `json:"total_sessions"`
	BouncedSessions    int64   `json:"bounced_sessions"`
	ClosedSessions     int64   `json:"closed_sessions"`
	BounceRate         float64 `json:"bounce_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	AvgPageViews       float64 `json:"avg_page_views"`
}

// PageCount is one entry of the popular pages ranking.
type PageCount struct {
	Path  string `json:"path"`
	Views int64  `json:"views"`
}

// DeviceCount is one entry of the device breakdown.
type DeviceCount struct {
	DeviceType string `json:"device_type"`
	Views      int64  `json:"views"`
}

// PageViewTrendPoint is one day of the page view series.
type PageViewTrendPoint struct {
	Date  string `json:"date"`
	Views int64  `json:"views"`
}

// SessionTrendPoint is one day of the session series.
type SessionTrendPoint struct {
	Date     string `json:"date"`
	Sessions int64  `json:"sessions"`
}

// EngagementMetrics reports engaged and multi-page sessions. Rates are
// percentages of TotalSessions and 0 when there are none.
type EngagementMetrics struct {
	TotalSessions     int64   `json:"total_sessions"`
	EngagedSessions   int64   `json:"engaged_sessions"`
	EngagementRate    float64 `json:"engagement_rate"`
	MultiPageSessions int64   `json:"multi_page_sessions"`
	MultiPageRate     float64 `json:"multi_page_rate"`
}

// Dashboard bundles every aggregate of the overview screen.
type Dashboard struct {
	Range            model.DateRange      `json:"range"`
	PageViews        PageViewStats        `json:"page_views"`
	Sessions         SessionStats         `json:"sessions"`
	Engagement       EngagementMetrics    `json:"engagement"`
	PopularPages     []PageCount          `json:"popular_pages"`
	Devices          []DeviceCount        `json:"devices"`
	Browsers         []model.LabelCount   `json:"browsers"`
	OperatingSystems []model.LabelCount   `json:"operating_systems"`
	Referrers        []model.LabelCount   `json:"referrers"`
	PageViewTrends   []PageViewTrendPoint `json:"page_view_trends"`
	SessionTrends    []SessionTrendPoint  `json:"session_trends"`
}

// AggregatorDeps groups dependencies required by the Aggregator.
type AggregatorDeps struct {
	Logger    *zap.Logger
	Config    config.DashboardConfig
	PageViews repository.PageViewRepository
	Sessions  repository.SessionRepository
	// Cache may be nil, in which case every call hits the store.
	Cache   DashboardCache
	Clock   quartz.Clock
	Metrics *Metrics
}

// Aggregator is the read path over recorded page views and sessions.
type Aggregator struct {
	logger       *zap.Logger
	pageViews    repository.PageViewRepository
	sessions     repository.SessionRepository
	cache        DashboardCache
	ttl          time.Duration
	engaged      model.EngagementThresholds
	trendDays    int
	popularLimit int
	clock        quartz.Clock
	metrics      *Metrics
}

// NewAggregator creates an Aggregator with the provided dependencies.
func NewAggregator(deps AggregatorDeps) *Aggregator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	trendDays := deps.Config.DefaultTrendDays
	if trendDays <= 0 {
		trendDays = 30
	}
	popular := deps.Config.PopularPagesLimit
	if popular <= 0 {
		popular = 10
	}
	return &Aggregator{
		logger:    logger.Named("aggregator"),
		pageViews: deps.PageViews,
		sessions:  deps.Sessions,
		cache:     deps.Cache,
		ttl:       deps.Config.CacheTTL,
		engaged: model.EngagementThresholds{
			MinDuration:  deps.Config.EngagedMinDuration,
			MinPageViews: deps.Config.EngagedMinPageViews,
		},
		trendDays:    trendDays,
		popularLimit: popular,
		clock:        clock,
		metrics:      deps.Metrics,
	}
}

// GetPageViewStats summarises page views in rng.
func (a *Aggregator) GetPageViewStats(ctx context.Context, rng model.DateRange) (PageViewStats, error) {
	return cached(ctx, a, "pv_stats:"+rng.Key(), func(ctx context.Context) (PageViewStats, error) {
		s, err := a.pageViews.Summary(ctx, rng)
		if err != nil {
			return PageViewStats{}, fmt.Errorf("page view summary: %w", err)
		}
		return PageViewStats{
			TotalViews:        s.TotalViews,
			UniqueVisitors:    s.UniqueVisitors,
			BotViews:          s.BotViews,
			HumanViews:        s.TotalViews - s.BotViews,
			AvgResponseTimeMs: round2(s.AvgResponseTimeMs),
			AvgPageLoadTimeMs: round2(s.AvgPageLoadTimeMs),
		}, nil
	})
}

// GetSessionStats summarises sessions started in rng.
func (a *Aggregator) GetSessionStats(ctx context.Context, rng model.DateRange) (SessionStats, error) {
	return cached(ctx, a, "session_stats:"+rng.Key(), func(ctx context.Context) (SessionStats, error) {
		s, err := a.sessions.Summary(ctx, rng, a.engaged)
		if err != nil {
			return SessionStats{}, fmt.Errorf("session summary: %w", err)
		}
		out := SessionStats{
			TotalSessions:   s.TotalSessions,
			BouncedSessions: s.BouncedSessions,
			ClosedSessions:  s.ClosedSessions,
			BounceRate:      percent(s.BouncedSessions, s.TotalSessions),
		}
		if s.ClosedSessions > 0 {
			out.AvgDurationSeconds = round2(s.TotalDurationSecs / float64(s.ClosedSessions))
		}
		if s.TotalSessions > 0 {
			out.AvgPageViews = round2(float64(s.TotalPageViews) / float64(s.TotalSessions))
		}
		return out, nil
	})
}

// GetPopularPages ranks paths by views, ties broken by path ascending. A
// non-positive limit uses the configured default.
func (a *Aggregator) GetPopularPages(ctx context.Context, limit int, rng model.DateRange) ([]PageCount, error) {
	if limit <= 0 {
		limit = a.popularLimit
	}
	key := fmt.Sprintf("popular:%d:%s", limit, rng.Key())
	return cached(ctx, a, key, func(ctx context.Context) ([]PageCount, error) {
		rows, err := a.pageViews.CountBy(ctx, model.DimensionPath, rng, limit)
		if err != nil {
			return nil, fmt.Errorf("popular pages: %w", err)
		}
		out := make([]PageCount, 0, len(rows))
		for _, row := range rows {
			out = append(out, PageCount{Path: row.Label, Views: row.Count})
		}
		return out, nil
	})
}

// GetDeviceBreakdown counts views per device type.
func (a *Aggregator) GetDeviceBreakdown(ctx context.Context, rng model.DateRange) ([]DeviceCount, error) {
	return cached(ctx, a, "devices:"+rng.Key(), func(ctx context.Context) ([]DeviceCount, error) {
		rows, err := a.pageViews.CountBy(ctx, model.DimensionDevice, rng, 0)
		if err != nil {
			return nil, fmt.Errorf("device breakdown: %w", err)
		}
		out := make([]DeviceCount, 0, len(rows))
		for _, row := range rows {
			out = append(out, DeviceCount{DeviceType: row.Label, Views: row.Count})
		}
		return out, nil
	})
}

// GetBreakdown counts views per value of an arbitrary dimension.
func (a *Aggregator) GetBreakdown(ctx context.Context, dim model.Dimension, limit int, rng model.DateRange) ([]model.LabelCount, error) {
	if !dim.Valid() {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	key := fmt.Sprintf("breakdown:%s:%d:%s", dim, limit, rng.Key())
	return cached(ctx, a, key, func(ctx context.Context) ([]model.LabelCount, error) {
		rows, err := a.pageViews.CountBy(ctx, dim, rng, limit)
		if err != nil {
			return nil, fmt.Errorf("%s breakdown: %w", dim, err)
		}
		if rows == nil {
			rows = []model.LabelCount{}
		}
		return rows, nil
	})
}

// GetPageViewTrends returns one entry per UTC day for the days ending on
// end's day, zero-filled. Non-positive days use the configured default and
// a zero end means today.
func (a *Aggregator) GetPageViewTrends(ctx context.Context, days int, end time.Time) ([]PageViewTrendPoint, error) {
	from, to, days := a.trendWindow(days, end)
	key := fmt.Sprintf("pv_trends:%s:%d", from.Format(model.DayLayout), days)
	return cached(ctx, a, key, func(ctx context.Context) ([]PageViewTrendPoint, error) {
		rows, err := a.pageViews.CountByDay(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("page view trends: %w", err)
		}
		filled := zeroFill(rows, from, days)
		out := make([]PageViewTrendPoint, 0, len(filled))
		for _, d := range filled {
			out = append(out, PageViewTrendPoint{Date: d.Day, Views: d.Count})
		}
		return out, nil
	})
}

// GetSessionTrends is GetPageViewTrends for session starts.
func (a *Aggregator) GetSessionTrends(ctx context.Context, days int, end time.Time) ([]SessionTrendPoint, error) {
	from, to, days := a.trendWindow(days, end)
	key := fmt.Sprintf("session_trends:%s:%d", from.Format(model.DayLayout), days)
	return cached(ctx, a, key, func(ctx context.Context) ([]SessionTrendPoint, error) {
		rows, err := a.sessions.CountByDay(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("session trends: %w", err)
		}
		filled := zeroFill(rows, from, days)
		out := make([]SessionTrendPoint, 0, len(filled))
		for _, d := range filled {
			out = append(out, SessionTrendPoint{Date: d.Day, Sessions: d.Count})
		}
		return out, nil
	})
}

// GetEngagementMetrics reports engaged and multi-page sessions in rng.
func (a *Aggregator) GetEngagementMetrics(ctx context.Context, rng model.DateRange) (EngagementMetrics, error) {
	return cached(ctx, a, "engagement:"+rng.Key(), func(ctx context.Context) (EngagementMetrics, error) {
		s, err := a.sessions.Summary(ctx, rng, a.engaged)
		if err != nil {
			return EngagementMetrics{}, fmt.Errorf("engagement: %w", err)
		}
		return EngagementMetrics{
			TotalSessions:     s.TotalSessions,
			EngagedSessions:   s.EngagedSessions,
			EngagementRate:    percent(s.EngagedSessions, s.TotalSessions),
			MultiPageSessions: s.MultiPageSessions,
			MultiPageRate:     percent(s.MultiPageSessions, s.TotalSessions),
		}, nil
	})
}

// GetDashboard gathers every aggregate for rng. Trends cover the default
// window ending at rng.To, or today when the range is open.
func (a *Aggregator) GetDashboard(ctx context.Context, rng model.DateRange) (Dashboard, error) {
	var (
		out = Dashboard{Range: rng}
		err error
	)
	if out.PageViews, err = a.GetPageViewStats(ctx, rng); err != nil {
		return Dashboard{}, err
	}
	if out.Sessions, err = a.GetSessionStats(ctx, rng); err != nil {
		return Dashboard{}, err
	}
	if out.Engagement, err = a.GetEngagementMetrics(ctx, rng); err != nil {
		return Dashboard{}, err
	}
	if out.PopularPages, err = a.GetPopularPages(ctx, 0, rng); err != nil {
		return Dashboard{}, err
	}
	if out.Devices, err = a.GetDeviceBreakdown(ctx, rng); err != nil {
		return Dashboard{}, err
	}
	if out.Browsers, err = a.GetBreakdown(ctx, model.DimensionBrowser, a.popularLimit, rng); err != nil {
		return Dashboard{}, err
	}
	if out.OperatingSystems, err = a.GetBreakdown(ctx, model.DimensionOS, a.popularLimit, rng); err != nil {
		return Dashboard{}, err
	}
	if out.Referrers, err = a.GetBreakdown(ctx, model.DimensionReferrer, a.popularLimit, rng); err != nil {
		return Dashboard{}, err
	}

	var end time.Time
	if rng.To != nil {
		end = *rng.To
	}
	if out.PageViewTrends, err = a.GetPageViewTrends(ctx, 0, end); err != nil {
		return Dashboard{}, err
	}
	if out.SessionTrends, err = a.GetSessionTrends(ctx, 0, end); err != nil {
		return Dashboard{}, err
	}
	return out, nil
}

// trendWindow returns [from, to) covering days UTC calendar days that end
// on end's day.
func (a *Aggregator) trendWindow(days int, end time.Time) (time.Time, time.Time, int) {
	if days <= 0 {
		days = a.trendDays
	}
	if end.IsZero() {
		end = a.clock.Now()
	}
	end = end.UTC()
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return endDay.AddDate(0, 0, -(days - 1)), endDay.AddDate(0, 0, 1), days
}

func zeroFill(rows []model.DayCount, from time.Time, days int) []model.DayCount {
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Day] += row.Count
	}
	out := make([]model.DayCount, days)
	for i := range out {
		day := from.AddDate(0, 0, i).Format(model.DayLayout)
		out[i] = model.DayCount{Day: day, Count: counts[day]}
	}
	return out
}

func cached[T any](ctx context.Context, a *Aggregator, key string, compute func(context.Context) (T, error)) (T, error) {
	useCache := a.cache != nil && a.ttl > 0
	if useCache {
		var hit T
		found, err := a.cache.Get(ctx, key, &hit)
		switch {
		case err != nil:
			a.logger.Warn("dashboard cache read failed", zap.String("key", key), zap.Error(err))
		case found:
			a.metrics.cacheLookup(true)
			return hit, nil
		}
		a.metrics.cacheLookup(false)
	}

	v, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if useCache {
		if err := a.cache.Set(ctx, key, v, a.ttl); err != nil {
			a.logger.Warn("dashboard cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}

func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return round2(float64(part) * 100 / float64(total))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package model

import "time"

// DateRange bounds a query; a nil end is open.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// NewDateRange builds a range from possibly zero times.
func NewDateRange(from, to time.Time) DateRange {
	var r DateRange
	if !from.IsZero() {
		r.From = &from
	}
	if !to.IsZero() {
		r.To = &to
	}
	return r
}

// Contains reports whether t falls inside the inclusive range.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// Key renders the range for cache keys.
func (r DateRange) Key() string {
	from, to := "-", "-"
	if r.From != nil {
		from = r.From.UTC().Format(time.RFC3339)
	}
	if r.To != nil {
		to = r.To.UTC().Format(time.RFC3339)
	}
	return from + ".." + to
}

// PageViewSummary is the raw aggregate the store computes for page views.
type PageViewSummary struct {
	TotalViews        int64   `json:"total_views"`
	UniqueVisitors    int64   `json:"unique_visitors"`
	BotViews          int64   `json:"bot_views"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	AvgPageLoadTimeMs float64 `json:"avg_page_load_time_ms"`
}

// SessionSummary is the raw aggregate the store computes for sessions.
type SessionSummary struct {
	TotalSessions     int64   `json:"total_sessions"`
	BouncedSessions   int64   `json:"bounced_sessions"`
	ClosedSessions    int64   `json:"closed_sessions"`
	MultiPageSessions int64   `json:"multi_page_sessions"`
	EngagedSessions   int64   `json:"engaged_sessions"`
	TotalDurationSecs float64 `json:"total_duration_seconds"`
	TotalPageViews    int64   `json:"total_page_views"`
}

// EngagementThresholds decides which sessions count as engaged.
type EngagementThresholds struct {
	MinDuration  time.Duration
	MinPageViews int
}

// LabelCount is one row of a group-by count.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// DayCount is one calendar day (UTC, YYYY-MM-DD) of a time series.
type DayCount struct {
	Day   string `json:"date"`
	Count int64  `json:"count"`
}

// Dimension is a page view column that can be grouped on.
type Dimension string

const (
	DimensionPath     Dimension = "path"
	DimensionDevice   Dimension = "device_type"
	DimensionBrowser  Dimension = "browser_family"
	DimensionOS       Dimension = "os_family"
	DimensionReferrer Dimension = "referrer"
)

// Valid reports whether d is one of the known dimensions.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionPath, DimensionDevice, DimensionBrowser, DimensionOS, DimensionReferrer:
		return true
	}
	return false
}

// DayLayout is the calendar-day key format used by time series.
const DayLayout = "2006-01-02"

package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "powertrack"

// Tracking outcome labels.
const (
	outcomeRecorded = "recorded"
	outcomeSkipped  = "skipped"
	outcomeFailed   = "failed"
)

// Metrics holds the collectors of the tracking subsystem. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	retained       *prometheus.CounterVec
	cleanupRuns    *prometheus.CounterVec
	cleanupSeconds prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tracking_events_total",
			Help:      "Tracking events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		retained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retention_deleted_rows_total",
			Help:      "Rows removed by the retention janitor.",
		}, []string{"table"}),
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retention_runs_total",
			Help:      "Retention janitor runs by result.",
		}, []string{"result"}),
		cleanupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "retention_run_duration_seconds",
			Help:      "Wall time of retention janitor runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dashboard_cache_lookups_total",
			Help:      "Dashboard cache lookups by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.retained, m.cleanupRuns, m.cleanupSeconds, m.cacheLookups)
	}
	return m
}

func (m *Metrics) event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) deleted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retained.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) cleanupRun(result string, seconds float64) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	m.cleanupSeconds.Observe(seconds)
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPageViews struct {
	repository.PageViewRepository
	err error
}

func (f failingPageViews) Create(context.Context, *model.PageView) error { return f.err }

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, ev model.Event, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestRecorder_TrackPageView(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()

	req := pageRequest("/blog/hello", "raw-session-id")
	req.Referrer = "https://news.example.org/"
	req.UserID = uint64Ptr(7)

	require.True(t, f.recorder.TrackPageView(ctx, req, PageViewOptions{ResponseTimeMs: intPtr(120)}))

	views := f.store.AllPageViews()
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, "/blog/hello", v.Path)
	assert.Equal(t, "https://example.com/blog/hello", v.URL)
	assert.Equal(t, strPtr("https://news.example.org/"), v.Referrer)
	assert.Equal(t, uint64Ptr(7), v.UserID)
	assert.Equal(t, model.DeviceDesktop, v.DeviceType)
	assert.Equal(t, strPtr("Chrome"), v.BrowserFamily)
	assert.Equal(t, testNow, v.ViewedAt)
	assert.Equal(t, intPtr(120), v.ResponseTimeMs)
	assert.Nil(t, v.CountryCode)

	assert.NotEqual(t, "raw-session-id", v.SessionHash)
	assert.Len(t, v.SessionHash, 64)
	assert.NotEqual(t, "203.0.113.7", v.IPHash)
	assert.Equal(t, f.anon.SessionHash("raw-session-id"), v.SessionHash)
}

func TestRecorder_ResponseTimeOutlier(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) { cfg.MaxResponseTimeMs = 30000 })
	ctx := context.Background()

	require.True(t, f.recorder.TrackPageView(ctx, pageRequest("/slow", "s1"), PageViewOptions{ResponseTimeMs: intPtr(45000)}))
	require.True(t, f.recorder.TrackPageView(ctx, pageRequest("/fast", "s1"), PageViewOptions{ResponseTimeMs: intPtr(30000)}))

	views := f.store.AllPageViews()
	require.Len(t, views, 2)
	assert.Nil(t, views[0].ResponseTimeMs)
	assert.Equal(t, intPtr(30000), views[1].ResponseTimeMs)
}

func TestRecorder_TrackingDisabledWritesNothing(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) { cfg.Enabled = false })
	ctx := context.Background()
	req := pageRequest("/blog", "s1")

	assert.False(t, f.recorder.TrackPageView(ctx, req, PageViewOptions{}))
	assert.False(t, f.recorder.TrackSession(ctx, req, SessionOptions{NewSession: true}))
	assert.False(t, f.recorder.EndSession(ctx, "s1", "/blog"))

	assert.Empty(t, f.store.AllPageViews())
	assert.Empty(t, f.store.AllSessions())
}

func TestRecorder_ConsentRequired(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) {
		cfg.RequireConsent = true
		cfg.DefaultConsent = false
	})
	ctx := context.Background()

	granted, _, err := f.signer.Issue(true)
	require.NoError(t, err)
	denied, _, err := f.signer.Issue(false)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"absent falls back to default", "", false},
		{"granted", granted, true},
		{"denied", denied, false},
		{"malformed", "granted", false},
	}
	for _, tt := range tests {
		req := pageRequest("/blog", "s1")
		req.ConsentToken = tt.token
		assert.Equal(t, tt.want, f.recorder.TrackPageView(ctx, req, PageViewOptions{}), tt.name)
	}
	assert.Len(t, f.store.AllPageViews(), 1)
}

func TestRecorder_ExcludedRequestsWriteNothing(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) {
		cfg.ExcludedIPs = []string{"192.168.1.0/24"}
		cfg.ExcludedUserAgents = []string{"monitor"}
	})
	ctx := context.Background()

	byPath := pageRequest("/api/track/beacon", "s1")
	byIP := pageRequest("/blog", "s1")
	byIP.IP = "192.168.1.42"
	byAgent := pageRequest("/blog", "s1")
	byAgent.UserAgent = "Site-Monitor/1.0"
	byBot := pageRequest("/blog", "s1")
	byBot.UserAgent = googlebotUA

	for _, req := range []model.TrackingRequest{byPath, byIP, byAgent, byBot} {
		assert.False(t, f.recorder.TrackPageView(ctx, req, PageViewOptions{}))
		assert.False(t, f.recorder.TrackSession(ctx, req, SessionOptions{NewSession: true}))
	}
	assert.Empty(t, f.store.AllPageViews())
	assert.Empty(t, f.store.AllSessions())
}

func TestRecorder_InvalidRequest(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()
	req := pageRequest("/blog", "s1")
	req.Path = ""
	assert.False(t, f.recorder.TrackPageView(ctx, req, PageViewOptions{}))
	assert.Empty(t, f.store.AllPageViews())

	long := "/" + strings.Repeat("a", 2048)
	assert.False(t, f.recorder.TrackPageView(ctx, pageRequest(long, "s1"), PageViewOptions{}))
	assert.False(t, f.recorder.TrackSession(ctx, pageRequest(long, "s1"), SessionOptions{NewSession: true}))
	assert.Empty(t, f.store.AllPageViews())
	assert.Empty(t, f.store.AllSessions())

	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "s1"), SessionOptions{NewSession: true}))
	assert.False(t, f.recorder.EndSession(ctx, "s1", long))
	assert.Nil(t, f.session(t, "s1").SessionEndedAt)
}

func TestRecorder_OversizedInputIsSkippedNotFailed(t *testing.T) {
	f := newRecorderFixture(t, nil)
	sink := &recordingSink{}
	f.recorder.sink = sink

	long := "/" + strings.Repeat("a", 2048)
	assert.False(t, f.recorder.TrackPageView(context.Background(), pageRequest(long, "s1"), PageViewOptions{}))
	assert.Empty(t, sink.events)

	err := f.recorder.admit(pageRequest(long, "s1"), false)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, IsSkip(err))
}

func TestRecorder_StoreFailureReturnsFalse(t *testing.T) {
	f := newRecorderFixture(t, nil)
	f.recorder.pageViews = failingPageViews{err: errors.New("connection refused")}

	assert.False(t, f.recorder.TrackPageView(context.Background(), pageRequest("/blog", "s1"), PageViewOptions{}))
}

func TestRecorder_SessionLifecycle(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()

	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))
	for _, path := range []string{"/a", "/b", "/c"} {
		f.clock.Advance(10 * time.Second)
		require.True(t, f.recorder.TrackSession(ctx, pageRequest(path, "sid"), SessionOptions{}))
	}

	s := f.session(t, "sid")
	assert.Equal(t, 4, s.PageViewCount)
	assert.Equal(t, "/", s.LandingPage)
	assert.Equal(t, strPtr("/c"), s.CurrentPage)
	assert.Nil(t, s.SessionEndedAt)
	assert.Equal(t, testNow, s.SessionStartedAt)

	f.clock.Advance(10 * time.Second)
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/d", "sid"), SessionOptions{EndSession: true}))

	s = f.session(t, "sid")
	require.NotNil(t, s.SessionEndedAt)
	assert.Equal(t, testNow.Add(40*time.Second), *s.SessionEndedAt)
	assert.Equal(t, strPtr("/d"), s.ExitPage)
	assert.Equal(t, 5, s.PageViewCount)

	// Closed is terminal.
	f.clock.Advance(10 * time.Second)
	assert.False(t, f.recorder.TrackSession(ctx, pageRequest("/e", "sid"), SessionOptions{}))
	after := f.session(t, "sid")
	assert.Equal(t, s, after)
}

func TestRecorder_UpdateWithoutOpenSessionIsNoop(t *testing.T) {
	f := newRecorderFixture(t, nil)
	assert.False(t, f.recorder.TrackSession(context.Background(), pageRequest("/a", "unknown"), SessionOptions{}))
	assert.Empty(t, f.store.AllSessions())
}

func TestRecorder_RepeatedStartAdvancesSession(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()

	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/other", "sid"), SessionOptions{NewSession: true}))

	require.Len(t, f.store.AllSessions(), 1)
	s := f.session(t, "sid")
	assert.Equal(t, 2, s.PageViewCount)
	assert.Equal(t, "/", s.LandingPage)
}

func TestRecorder_ConcurrentUpdatesKeepEveryIncrement(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))

	const tabs = 50
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.recorder.TrackSession(ctx, pageRequest("/tab", "sid"), SessionOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, tabs+1, f.session(t, "sid").PageViewCount)
}

func TestRecorder_EndSessionIsIdempotent(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))

	f.clock.Advance(time.Minute)
	require.True(t, f.recorder.EndSession(ctx, "sid", "/checkout"))
	once := f.session(t, "sid")

	f.clock.Advance(time.Minute)
	require.True(t, f.recorder.EndSession(ctx, "sid", "/elsewhere"))
	twice := f.session(t, "sid")

	assert.Equal(t, once, twice)
	assert.Equal(t, strPtr("/checkout"), twice.ExitPage)
	require.NotNil(t, twice.SessionEndedAt)
	assert.Equal(t, testNow.Add(time.Minute), *twice.SessionEndedAt)
}

func TestRecorder_EndSessionDefaultsExitToCurrentPage(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/pricing", "sid"), SessionOptions{}))

	require.True(t, f.recorder.EndSession(ctx, "sid", ""))
	assert.Equal(t, strPtr("/pricing"), f.session(t, "sid").ExitPage)
}

func TestRecorder_EndUnknownSession(t *testing.T) {
	f := newRecorderFixture(t, nil)
	assert.False(t, f.recorder.EndSession(context.Background(), "missing", "/"))
	assert.False(t, f.recorder.EndSession(context.Background(), "", "/"))
}

func TestRecorder_SessionsDisabled(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) { cfg.TrackSessions = false })
	ctx := context.Background()

	assert.False(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))
	assert.True(t, f.recorder.TrackPageView(ctx, pageRequest("/", "sid"), PageViewOptions{}))
	assert.Empty(t, f.store.AllSessions())
}

func TestRecorder_MissingSessionID(t *testing.T) {
	f := newRecorderFixture(t, nil)
	ctx := context.Background()
	req := pageRequest("/", "")

	assert.False(t, f.recorder.TrackSession(ctx, req, SessionOptions{NewSession: true}))
	require.True(t, f.recorder.TrackPageView(ctx, req, PageViewOptions{}))

	views := f.store.AllPageViews()
	require.Len(t, views, 1)
	assert.Equal(t, f.anon.VisitorHash(req.IP, req.UserAgent), views[0].SessionHash)
}

func TestRecorder_CampaignAttributes(t *testing.T) {
	f := newRecorderFixture(t, nil)
	req := pageRequest("/landing", "sid")
	req.URL = "https://example.com/landing?utm_source=newsletter&utm_medium=email&ref=abc"

	require.True(t, f.recorder.TrackPageView(context.Background(), req, PageViewOptions{}))
	views := f.store.AllPageViews()
	require.Len(t, views, 1)
	assert.Equal(t, "newsletter", views[0].Attributes["utm_source"])
	assert.Equal(t, "email", views[0].Attributes["utm_medium"])
	assert.NotContains(t, views[0].Attributes, "ref")
}

func TestRecorder_SinkReceivesAdmittedEvents(t *testing.T) {
	f := newRecorderFixture(t, nil)
	sink := &recordingSink{}
	f.recorder.sink = sink
	ctx := context.Background()

	require.True(t, f.recorder.TrackPageView(ctx, pageRequest("/blog", "sid"), PageViewOptions{}))
	require.True(t, f.recorder.EndSession(ctx, "sid", "/blog"))
	assert.False(t, f.recorder.TrackPageView(ctx, pageRequest("/health", "sid"), PageViewOptions{}))

	require.Len(t, sink.events, 2)
	view, ok := sink.events[0].(model.PageViewEvent)
	require.True(t, ok)
	assert.Equal(t, f.anon.SessionHash("sid"), view.Visit.SessionHash)
	assert.Equal(t, f.anon.IPHash("203.0.113.7"), view.Visit.IPHash)
	assert.Equal(t, strPtr("Chrome"), view.Visit.Device.BrowserFamily)
	assert.Equal(t, model.SessionEndEvent{SessionHash: f.anon.SessionHash("sid"), ExitPage: "/blog"}, sink.events[1])
	assert.Empty(t, f.store.AllPageViews())
}

func TestRecorder_ApplyReportsSkips(t *testing.T) {
	f := newRecorderFixture(t, nil)
	err := f.recorder.Apply(context.Background(),
		model.SessionUpdateEvent{SessionHash: f.anon.SessionHash("nobody"), Path: "/a"}, testNow)
	require.ErrorIs(t, err, ErrSessionNotOpen)
	assert.True(t, IsSkip(err))

	err = f.recorder.Apply(context.Background(),
		model.SessionStartEvent{Visit: model.Visit{Path: "/"}}, testNow)
	require.ErrorIs(t, err, ErrNoSessionID)
}

func TestRecorder_CloseIdleSessions(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) { cfg.SessionCookieMaxAge = 1800 })
	ctx := context.Background()

	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "idle"), SessionOptions{NewSession: true}))
	f.clock.Advance(time.Minute)
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/pricing", "idle"), SessionOptions{}))
	lastSeen := testNow.Add(time.Minute)

	f.clock.Advance(20 * time.Minute)
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "active"), SessionOptions{NewSession: true}))
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "ended"), SessionOptions{NewSession: true}))
	require.True(t, f.recorder.EndSession(ctx, "ended", "/bye"))

	f.clock.Advance(15 * time.Minute)
	closed, err := f.recorder.CloseIdleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	idle := f.session(t, "idle")
	require.NotNil(t, idle.SessionEndedAt)
	assert.Equal(t, lastSeen, *idle.SessionEndedAt)
	assert.Equal(t, strPtr("/pricing"), idle.ExitPage)
	d, ok := idle.Duration()
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)

	assert.Nil(t, f.session(t, "active").SessionEndedAt)
	assert.Equal(t, strPtr("/bye"), f.session(t, "ended").ExitPage)

	closed, err = f.recorder.CloseIdleSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func TestRecorder_CloseIdleSessionsNeedsCookieLifetime(t *testing.T) {
	f := newRecorderFixture(t, func(cfg *config.TrackingConfig) { cfg.SessionCookieMaxAge = 0 })
	ctx := context.Background()
	require.True(t, f.recorder.TrackSession(ctx, pageRequest("/", "sid"), SessionOptions{NewSession: true}))

	f.clock.Advance(48 * time.Hour)
	closed, err := f.recorder.CloseIdleSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.Nil(t, f.session(t, "sid").SessionEndedAt)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// EventSink hands admitted, anonymized events to another process for
// recording.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event, at time.Time) error
}

// RecorderDeps groups dependencies required by the Recorder.
type RecorderDeps struct {
	Logger     *zap.Logger
	Config     config.TrackingConfig
	Gate       *ConsentGate
	Classifier *Classifier
	Anonymizer *Anonymizer
	PageViews  repository.PageViewRepository
	Sessions   repository.SessionRepository
	Tracker    *SessionTracker
	// Sink, when set, receives admitted events instead of the store.
	Sink    EventSink
	Clock   quartz.Clock
	Metrics *Metrics
}

// PageViewOptions carries the measurements attached to a page view.
type PageViewOptions struct {
	ResponseTimeMs *int
	PageLoadTimeMs *int
}

// SessionOptions selects the session transition of a TrackSession call.
type SessionOptions struct {
	NewSession bool
	EndSession bool
}

// Recorder is the tracking write path. Its public methods never fail the
// caller: every problem is logged and reported as false.
type Recorder struct {
	logger     *zap.Logger
	enabled    bool
	sessionsOn bool
	maxRespMs  int
	idleAfter  time.Duration
	gate       *ConsentGate
	classifier *Classifier
	anonymizer *Anonymizer
	pageViews  repository.PageViewRepository
	sessions   repository.SessionRepository
	tracker    *SessionTracker
	sink       EventSink
	clock      quartz.Clock
	metrics    *Metrics
	validate   *validator.Validate
}

// NewRecorder creates a Recorder with the provided dependencies.
func NewRecorder(deps RecorderDeps) *Recorder {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = NewSessionTracker(deps.Config.ExpectedSessions)
	}
	return &Recorder{
		logger:     logger.Named("recorder"),
		enabled:    deps.Config.Enabled,
		sessionsOn: deps.Config.TrackSessions,
		maxRespMs:  deps.Config.MaxResponseTimeMs,
		idleAfter:  time.Duration(deps.Config.SessionCookieMaxAge) * time.Second,
		gate:       deps.Gate,
		classifier: deps.Classifier,
		anonymizer: deps.Anonymizer,
		pageViews:  deps.PageViews,
		sessions:   deps.Sessions,
		tracker:    tracker,
		sink:       deps.Sink,
		clock:      clock,
		metrics:    deps.Metrics,
		validate:   validator.New(),
	}
}

// TrackPageView records one page view.
func (r *Recorder) TrackPageView(ctx context.Context, req model.TrackingRequest, opts PageViewOptions) bool {
	if err := r.admit(req, false); err != nil {
		return r.finish(model.KindPageView, err)
	}
	visit := r.visit(req)
	if visit.SessionHash == "" {
		visit.SessionHash = r.anonymizer.VisitorHash(req.IP, req.UserAgent)
	}
	return r.record(ctx, model.PageViewEvent{
		Visit:          visit,
		ResponseTimeMs: r.responseTime(opts.ResponseTimeMs),
		PageLoadTimeMs: nonNegative(opts.PageLoadTimeMs),
	})
}

// TrackSession opens a session or advances (and optionally closes) the open
// one.
func (r *Recorder) TrackSession(ctx context.Context, req model.TrackingRequest, opts SessionOptions) bool {
	kind := model.KindSessionUpdate
	if opts.NewSession {
		kind = model.KindSessionStart
	}
	if err := r.admit(req, true); err != nil {
		return r.finish(kind, err)
	}
	visit := r.visit(req)
	if visit.SessionHash == "" {
		return r.finish(kind, ErrNoSessionID)
	}

	if opts.NewSession {
		return r.record(ctx, model.SessionStartEvent{Visit: visit})
	}
	return r.record(ctx, model.SessionUpdateEvent{
		SessionHash: visit.SessionHash,
		Path:        visit.Path,
		End:         opts.EndSession,
	})
}

// EndSession closes a session. Ending a closed session succeeds without
// changing it.
func (r *Recorder) EndSession(ctx context.Context, sessionID, exitPage string) bool {
	if err := r.admitSessionEnd(exitPage); err != nil {
		return r.finish(model.KindSessionEnd, err)
	}
	hash := r.anonymizer.SessionHash(sessionID)
	if hash == "" {
		return r.finish(model.KindSessionEnd, ErrNoSessionID)
	}
	return r.record(ctx, model.SessionEndEvent{SessionHash: hash, ExitPage: exitPage})
}

// CloseIdleSessions ends sessions whose sliding cookie has lapsed without a
// session end beacon. Nothing happens when the cookie has no max age.
func (r *Recorder) CloseIdleSessions(ctx context.Context) (int64, error) {
	if !r.enabled || !r.sessionsOn || r.idleAfter <= 0 {
		return 0, nil
	}
	closed, err := r.sessions.CloseIdle(ctx, r.clock.Now().Add(-r.idleAfter))
	if err != nil {
		r.logger.Error("failed to close idle sessions", zap.Error(err))
		return 0, err
	}
	if closed > 0 {
		r.logger.Info("closed idle sessions", zap.Int64("closed", closed), zap.Duration("idle_after", r.idleAfter))
	}
	return closed, nil
}

// record stores an admitted event, or hands it to the sink when one is set.
func (r *Recorder) record(ctx context.Context, ev model.Event) bool {
	at := r.clock.Now()
	if r.sink == nil {
		return r.finish(ev.Kind(), r.Apply(ctx, ev, at))
	}
	return r.finish(ev.Kind(), r.sink.Publish(ctx, ev, at))
}

// Apply records an admitted event as of at. Errors for which IsSkip is true
// mean the event was not eligible; any other error is a failure.
func (r *Recorder) Apply(ctx context.Context, ev model.Event, at time.Time) error {
	switch e := ev.(type) {
	case model.PageViewEvent:
		return r.recordPageView(ctx, e, at)
	case model.SessionStartEvent:
		return r.startSession(ctx, e, at)
	case model.SessionUpdateEvent:
		return r.updateSession(ctx, e, at)
	case model.SessionEndEvent:
		return r.endSession(ctx, e, at)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (r *Recorder) finish(kind model.EventKind, err error) bool {
	switch {
	case err == nil:
		r.metrics.event(string(kind), outcomeRecorded)
		return true
	case IsSkip(err):
		r.metrics.event(string(kind), outcomeSkipped)
		r.logger.Debug("tracking skipped", zap.String("kind", string(kind)), zap.String("reason", err.Error()))
	default:
		r.metrics.event(string(kind), outcomeFailed)
		r.logger.Warn("tracking failed", zap.Error(&TrackingError{Op: string(kind), Err: err}))
	}
	return false
}

// admit runs the consent gate, input validation and exclusion rules.
func (r *Recorder) admit(req model.TrackingRequest, session bool) error {
	if !r.enabled {
		return ErrTrackingDisabled
	}
	if session && !r.sessionsOn {
		return ErrSessionsDisabled
	}
	if r.gate != nil && !r.gate.IsTrackingEnabled(req.ConsentToken) {
		return ErrNoConsent
	}
	if err := r.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.classifier != nil && r.classifier.ShouldExclude(req) {
		return ErrExcluded
	}
	return nil
}

func (r *Recorder) admitSessionEnd(exitPage string) error {
	if !r.enabled {
		return ErrTrackingDisabled
	}
	if !r.sessionsOn {
		return ErrSessionsDisabled
	}
	if err := r.validate.Var(exitPage, "max=2048"); err != nil {
		return fmt.Errorf("%w: exit page: %v", ErrInvalidRequest, err)
	}
	return nil
}

// visit classifies and anonymizes an admitted request. The result is all
// that leaves the request path.
func (r *Recorder) visit(req model.TrackingRequest) model.Visit {
	return model.Visit{
		URL:         req.URL,
		Path:        req.Path,
		Referrer:    req.Referrer,
		SessionHash: r.anonymizer.SessionHash(req.SessionID),
		IPHash:      r.anonymizer.IPHash(req.IP),
		UserID:      req.UserID,
		Device:      r.classify(req.UserAgent),
		Attributes:  attributes(req),
	}
}

func (r *Recorder) recordPageView(ctx context.Context, ev model.PageViewEvent, at time.Time) error {
	v := ev.Visit
	if v.SessionHash == "" {
		return ErrNoSessionID
	}

	view := &model.PageView{
		URL:            v.URL,
		Path:           v.Path,
		Referrer:       optional(v.Referrer),
		SessionHash:    v.SessionHash,
		UserID:         v.UserID,
		IPHash:         v.IPHash,
		DeviceType:     v.Device.DeviceType,
		BrowserFamily:  v.Device.BrowserFamily,
		OSFamily:       v.Device.OSFamily,
		IsBot:          v.Device.IsBot,
		CountryCode:    v.Device.CountryCode,
		ResponseTimeMs: ev.ResponseTimeMs,
		PageLoadTimeMs: ev.PageLoadTimeMs,
		Attributes:     datatypes.JSONMap(v.Attributes),
		ViewedAt:       at,
	}
	if err := r.pageViews.Create(ctx, view); err != nil {
		return fmt.Errorf("store page view: %w", err)
	}
	return nil
}

func (r *Recorder) startSession(ctx context.Context, ev model.SessionStartEvent, at time.Time) error {
	v := ev.Visit
	hash := v.SessionHash
	if hash == "" {
		return ErrNoSessionID
	}

	// A hash this process already opened is most likely a second tab.
	advanced := false
	if r.tracker.Seen(hash) {
		ok, err := r.sessions.Advance(ctx, hash, v.Path, false, at)
		if err != nil {
			return fmt.Errorf("advance session: %w", err)
		}
		if ok {
			return nil
		}
		advanced = true
	}

	landing := v.Path
	created, err := r.sessions.Create(ctx, &model.Session{
		SessionHash:      hash,
		LandingPage:      landing,
		CurrentPage:      &landing,
		UserID:           v.UserID,
		IPHash:           v.IPHash,
		DeviceType:       v.Device.DeviceType,
		BrowserFamily:    v.Device.BrowserFamily,
		OSFamily:         v.Device.OSFamily,
		IsBot:            v.Device.IsBot,
		SessionStartedAt: at,
		PageViewCount:    1,
		UpdatedAt:        at,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.tracker.Mark(hash)
	if created {
		return nil
	}

	if !advanced {
		ok, err := r.sessions.Advance(ctx, hash, v.Path, false, at)
		if err != nil {
			return fmt.Errorf("advance session: %w", err)
		}
		if ok {
			return nil
		}
	}
	return ErrSessionNotOpen
}

func (r *Recorder) updateSession(ctx context.Context, ev model.SessionUpdateEvent, at time.Time) error {
	if ev.SessionHash == "" {
		return ErrNoSessionID
	}

	ok, err := r.sessions.Advance(ctx, ev.SessionHash, ev.Path, ev.End, at)
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	if !ok {
		return ErrSessionNotOpen
	}
	return nil
}

func (r *Recorder) endSession(ctx context.Context, ev model.SessionEndEvent, at time.Time) error {
	hash := ev.SessionHash
	if hash == "" {
		return ErrNoSessionID
	}

	ok, err := r.sessions.End(ctx, hash, optional(ev.ExitPage), at)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if ok {
		return nil
	}

	if _, err := r.sessions.GetByHash(ctx, hash); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotOpen
		}
		return fmt.Errorf("load session: %w", err)
	}
	// Already closed.
	return nil
}

func (r *Recorder) classify(ua string) model.DeviceInfo {
	if r.classifier == nil {
		return model.DeviceInfo{DeviceType: model.DeviceDesktop}
	}
	return r.classifier.ClassifyDevice(ua)
}

// responseTime drops measurements above the configured maximum.
func (r *Recorder) responseTime(ms *int) *int {
	ms = nonNegative(ms)
	if ms == nil || (r.maxRespMs > 0 && *ms > r.maxRespMs) {
		return nil
	}
	return ms
}

func nonNegative(ms *int) *int {
	if ms == nil || *ms < 0 {
		return nil
	}
	v := *ms
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// attributes returns the request attributes, or the utm_* parameters of its
// URL when none were given.
func attributes(req model.TrackingRequest) datatypes.JSONMap {
	if len(req.Attributes) > 0 {
		return datatypes.JSONMap(req.Attributes)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil
	}
	var out datatypes.JSONMap
	for key, values := range u.Query() {
		if !strings.HasPrefix(key, "utm_") || len(values) == 0 || values[0] == "" {
			continue
		}
		if out == nil {
			out = datatypes.JSONMap{}
		}
		out[key] = values[0]
	}
	return out
}

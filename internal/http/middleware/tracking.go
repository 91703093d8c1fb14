package middleware

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/sifan077/PowerTrack/internal/http/util"
)

// SessionIDLocal holds the visitor's session id for downstream handlers.
const SessionIDLocal = "session_id"

// TrackingDeps groups dependencies required by the Tracking middleware.
type TrackingDeps struct {
	Recorder *service.Recorder
	Gate     *service.ConsentGate
	// Classifier, when set, keeps excluded paths free of session cookies.
	Classifier *service.Classifier
	Config     config.TrackingConfig
	TrustProxy bool
}

// Tracking records a page view (and the session it belongs to) for every
// successful GET. Tracking problems never reach the visitor: the recorder
// logs them and the response is left untouched.
func Tracking(deps TrackingDeps) fiber.Handler {
	cfg := deps.Config

	return func(c *fiber.Ctx) error {
		if deps.Recorder == nil || !cfg.Enabled || c.Method() != fiber.MethodGet {
			return c.Next()
		}
		if deps.Classifier != nil && deps.Classifier.ExcludedPath(c.Path()) {
			return c.Next()
		}
		consent := c.Cookies(cfg.ConsentCookie)
		if deps.Gate != nil && !deps.Gate.IsTrackingEnabled(consent) {
			// No identifiers are issued to visitors who have not consented.
			return c.Next()
		}

		start := time.Now()
		sid, isNew := SessionCookie(c, cfg)

		err := c.Next()
		if err != nil || c.Response().StatusCode() >= fiber.StatusBadRequest {
			return err
		}

		elapsed := int(time.Since(start).Milliseconds())
		req := util.RequestFrom(c, deps.TrustProxy, sid, consent)
		TrackVisit(c.UserContext(), deps.Recorder, cfg, req, isNew, service.PageViewOptions{ResponseTimeMs: &elapsed})
		return nil
	}
}

// TrackVisit records a page view and then opens or advances the session it
// belongs to. It reports whether the page view was recorded.
func TrackVisit(ctx context.Context, rec *service.Recorder, cfg config.TrackingConfig, req model.TrackingRequest, fresh bool, opts service.PageViewOptions) bool {
	if !rec.TrackPageView(ctx, req, opts) {
		// Ineligible or failed: the recorder already logged why.
		return false
	}
	if !cfg.TrackSessions || req.SessionID == "" {
		return true
	}
	if !rec.TrackSession(ctx, req, service.SessionOptions{NewSession: fresh}) && !fresh {
		// The cookie outlived its session row.
		rec.TrackSession(ctx, req, service.SessionOptions{NewSession: true})
	}
	return true
}

type visitorSession struct {
	id    string
	fresh bool
}

// SessionCookie returns the visitor's session id, issuing a fresh one when
// the cookie is missing. The cookie's lifetime slides with every request so
// it expires after the configured idle time. Repeated calls within a request
// return the same id.
func SessionCookie(c *fiber.Ctx, cfg config.TrackingConfig) (string, bool) {
	if !cfg.TrackSessions {
		return "", false
	}
	if s, ok := c.Locals(SessionIDLocal).(visitorSession); ok {
		return s.id, s.fresh
	}

	sid := c.Cookies(cfg.SessionCookie)
	fresh := false
	if _, err := uuid.Parse(sid); err != nil {
		sid = uuid.NewString()
		fresh = true
	}
	c.Cookie(&fiber.Cookie{
		Name:     cfg.SessionCookie,
		Value:    sid,
		Path:     "/",
		MaxAge:   cfg.SessionCookieMaxAge,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	c.Locals(SessionIDLocal, visitorSession{id: sid, fresh: fresh})
	return sid, fresh
}

// SessionID returns the visitor's existing session id without issuing one.
func SessionID(c *fiber.Ctx, cfg config.TrackingConfig) string {
	if s, ok := c.Locals(SessionIDLocal).(visitorSession); ok {
		return s.id
	}
	sid := c.Cookies(cfg.SessionCookie)
	if _, err := uuid.Parse(sid); err != nil {
		return ""
	}
	return sid
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(c *fiber.Ctx, cfg config.TrackingConfig) {
	c.Cookie(&fiber.Cookie{
		Name:     cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

package handler

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/sifan077/PowerTrack/internal/http/middleware"
	httpUtil "github.com/sifan077/PowerTrack/internal/http/util"
	"github.com/sifan077/PowerTrack/internal/http/view"
	"go.uber.org/zap"
)

// TrackingDeps groups dependencies required by tracking handlers.
type TrackingDeps struct {
	Logger     *zap.Logger
	Config     config.TrackingConfig
	Recorder   *service.Recorder
	Gate       *service.ConsentGate
	TrustProxy bool
	// Beacon wraps the beacon routes, typically with a rate limiter.
	Beacon fiber.Handler
}

// TrackingHandler serves the consent endpoints and the client-side beacons.
type TrackingHandler struct {
	logger     *zap.Logger
	cfg        config.TrackingConfig
	recorder   *service.Recorder
	gate       *service.ConsentGate
	trustProxy bool
	beacon     fiber.Handler
	validate   *validator.Validate
}

// NewTrackingHandler creates a tracking handler with the provided dependencies.
func NewTrackingHandler(deps TrackingDeps) *TrackingHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := deps.Gate
	if gate == nil {
		gate = service.NewConsentGate(deps.Config, nil)
	}
	beacon := deps.Beacon
	if beacon == nil {
		beacon = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &TrackingHandler{
		logger:     logger,
		cfg:        deps.Config,
		recorder:   deps.Recorder,
		gate:       gate,
		trustProxy: deps.TrustProxy,
		beacon:     beacon,
		validate:   validator.New(),
	}
}

// Register wires consent and beacon routes onto the provided router.
func (h *TrackingHandler) Register(router fiber.Router) {
	router.Get("/consent", h.ConsentPage)

	api := router.Group("/api")
	{
		consent := api.Group("/consent")
		{
			consent.Get("/", h.GetConsent)
			consent.Post("/", h.SetConsent)
			consent.Delete("/", h.ResetConsent)
		}

		track := api.Group("/track", h.beacon)
		{
			track.Post("/beacon", h.Beacon)
			track.Post("/session/end", h.EndSession)
		}
	}
}

// ConsentStatus is the visitor's effective consent state.
type ConsentStatus struct {
	Granted         bool `json:"granted"`
	Decided         bool `json:"decided"`
	Required        bool `json:"required"`
	TrackingEnabled bool `json:"tracking_enabled"`
}

func (h *TrackingHandler) status(c *fiber.Ctx) ConsentStatus {
	token := c.Cookies(h.cfg.ConsentCookie)
	return ConsentStatus{
		Granted:         h.gate.HasConsent(token),
		Decided:         token != "",
		Required:        h.cfg.RequireConsent,
		TrackingEnabled: h.gate.IsTrackingEnabled(token),
	}
}

// ConsentPage handles GET /consent
func (h *TrackingHandler) ConsentPage(c *fiber.Ctx) error {
	st := h.status(c)
	html, err := view.RenderConsentPage(view.ConsentPageData{
		Title:    "Analytics preferences",
		Required: st.Required,
		Granted:  st.Granted,
		Decided:  st.Decided,
	})
	if err != nil {
		h.logger.Error("failed to render consent page", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to render page",
		})
	}

	return c.
		Type("html", "utf-8").
		SendString(html)
}

// GetConsent handles GET /api/consent
func (h *TrackingHandler) GetConsent(c *fiber.Ctx) error {
	return c.JSON(h.status(c))
}

// SetConsentRequest represents the request body for recording a consent decision.
type SetConsentRequest struct {
	Granted *bool `json:"granted" validate:"required"`
}

// SetConsent handles POST /api/consent
func (h *TrackingHandler) SetConsent(c *fiber.Ctx) error {
	var req SetConsentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "granted is required",
		})
	}

	decision, err := h.gate.SetConsent(*req.Granted)
	if err != nil {
		h.logger.Error("failed to issue consent token", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to store consent",
		})
	}

	c.Cookie(&fiber.Cookie{
		Name:     h.cfg.ConsentCookie,
		Value:    decision.Token,
		Path:     "/",
		Expires:  decision.ExpiresAt,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	if !decision.Granted {
		middleware.ClearSessionCookie(c, h.cfg)
	}

	return c.JSON(decision)
}

// ResetConsent handles DELETE /api/consent and returns the visitor to the
// default policy.
func (h *TrackingHandler) ResetConsent(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     h.cfg.ConsentCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(ConsentStatus{
		Granted:         h.gate.HasConsent(""),
		Required:        h.cfg.RequireConsent,
		TrackingEnabled: h.gate.IsTrackingEnabled(""),
	})
}

// BeaconRequest is sent by pages rendered on the client, which the server
// never sees as a GET.
type BeaconRequest struct {
	URL            string `json:"url" validate:"required,url"`
	Referrer       string `json:"referrer,omitempty" validate:"omitempty,url"`
	PageLoadTimeMs *int   `json:"page_load_time_ms,omitempty" validate:"omitempty,gte=0"`
}

// Beacon handles POST /api/track/beacon. The body is read as JSON whatever
// the content type, so navigator.sendBeacon payloads are accepted.
func (h *TrackingHandler) Beacon(c *fiber.Ctx) error {
	var req BeaconRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url must be an absolute URL",
		})
	}
	page, err := url.Parse(req.URL)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url must be an absolute URL",
		})
	}

	consent := c.Cookies(h.cfg.ConsentCookie)
	if h.recorder == nil || !h.gate.IsTrackingEnabled(consent) {
		return c.SendStatus(fiber.StatusNoContent)
	}

	sid, fresh := middleware.SessionCookie(c, h.cfg)
	track := httpUtil.RequestFrom(c, h.trustProxy, sid, consent)
	track.URL = req.URL
	track.Path = page.EscapedPath()
	if track.Path == "" {
		track.Path = "/"
	}
	track.Referrer = req.Referrer

	middleware.TrackVisit(c.UserContext(), h.recorder, h.cfg, track, fresh, service.PageViewOptions{
		PageLoadTimeMs: req.PageLoadTimeMs,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// EndSessionRequest represents the optional body of a session end beacon.
type EndSessionRequest struct {
	ExitPage string `json:"exit_page,omitempty"`
}

// EndSession handles POST /api/track/session/end
func (h *TrackingHandler) EndSession(c *fiber.Ctx) error {
	var req EndSessionRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}

	sid := middleware.SessionID(c, h.cfg)
	if sid != "" && h.recorder != nil {
		h.recorder.EndSession(c.UserContext(), sid, req.ExitPage)
	}
	middleware.ClearSessionCookie(c, h.cfg)
	return c.SendStatus(fiber.StatusNoContent)
}

package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/sifan077/PowerTrack/internal/http/middleware"
	"go.uber.org/zap"
)

// PrivacyDeps groups dependencies required by privacy handlers.
type PrivacyDeps struct {
	Logger   *zap.Logger
	Privacy  *service.PrivacyService
	Tracking config.TrackingConfig
	// Auth guards the operator routes that name an arbitrary subject.
	Auth fiber.Handler
}

// PrivacyHandler implements data export and erasure.
type PrivacyHandler struct {
	logger   *zap.Logger
	privacy  *service.PrivacyService
	tracking config.TrackingConfig
	auth     fiber.Handler
}

// NewPrivacyHandler creates a privacy handler with the provided dependencies.
func NewPrivacyHandler(deps PrivacyDeps) *PrivacyHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := deps.Auth
	if auth == nil {
		auth = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &PrivacyHandler{
		logger:   logger,
		privacy:  deps.Privacy,
		tracking: deps.Tracking,
		auth:     auth,
	}
}

// Register wires privacy routes onto the provided router.
func (h *PrivacyHandler) Register(router fiber.Router) {
	privacy := router.Group("/api/privacy")
	{
		// Visitors act on the session named by their own cookie.
		me := privacy.Group("/me")
		{
			me.Get("/", h.ExportOwn)
			me.Delete("/", h.EraseOwn)
		}

		privacy.Get("/export", h.auth, h.Export)
		privacy.Delete("/data", h.auth, h.Erase)
	}
}

// Export handles GET /api/privacy/export?user_id=|session_id=
func (h *PrivacyHandler) Export(c *fiber.Ctx) error {
	subject, err := subjectFromQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	return h.export(c, subject)
}

// Erase handles DELETE /api/privacy/data?user_id=|session_id=
func (h *PrivacyHandler) Erase(c *fiber.Ctx) error {
	subject, err := subjectFromQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	return h.erase(c, subject)
}

// ExportOwn handles GET /api/privacy/me
func (h *PrivacyHandler) ExportOwn(c *fiber.Ctx) error {
	return h.export(c, model.Subject{SessionID: middleware.SessionID(c, h.tracking)})
}

// EraseOwn handles DELETE /api/privacy/me and forgets the session cookie.
func (h *PrivacyHandler) EraseOwn(c *fiber.Ctx) error {
	sid := middleware.SessionID(c, h.tracking)
	if sid == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no tracking session on this device",
		})
	}
	middleware.ClearSessionCookie(c, h.tracking)
	return h.erase(c, model.Subject{SessionID: sid})
}

func (h *PrivacyHandler) export(c *fiber.Ctx, subject model.Subject) error {
	export, err := h.privacy.ExportUserData(c.UserContext(), subject)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to export data",
		})
	}
	c.Attachment("analytics-export.json")
	return c.JSON(export)
}

func (h *PrivacyHandler) erase(c *fiber.Ctx, subject model.Subject) error {
	res, err := h.privacy.EraseUserData(c.UserContext(), subject)
	if err != nil {
		if errors.Is(err, service.ErrEmptySubject) {
			return badRequest(c, err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete data",
		})
	}
	return c.JSON(res)
}

func subjectFromQuery(c *fiber.Ctx) (model.Subject, error) {
	var subject model.Subject
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return subject, errors.New("user_id must be a positive integer")
		}
		subject.UserID = &id
	}
	subject.SessionID = c.Query("session_id")
	if subject.Empty() {
		return subject, service.ErrEmptySubject
	}
	return subject, nil
}

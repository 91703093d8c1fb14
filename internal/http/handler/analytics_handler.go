package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/service"
	httpUtil "github.com/sifan077/PowerTrack/internal/http/util"
	"go.uber.org/zap"
)

const (
	maxListLimit = 100
	maxTrendDays = 366
)

// AnalyticsDeps groups dependencies required by the reporting API.
type AnalyticsDeps struct {
	Logger     *zap.Logger
	Aggregator *service.Aggregator
	// Auth guards every reporting route.
	Auth fiber.Handler
}

// AnalyticsHandler implements the read-only reporting endpoints.
type AnalyticsHandler struct {
	logger     *zap.Logger
	aggregator *service.Aggregator
	auth       fiber.Handler
}

// NewAnalyticsHandler creates an analytics handler with the provided dependencies.
func NewAnalyticsHandler(deps AnalyticsDeps) *AnalyticsHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := deps.Auth
	if auth == nil {
		auth = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &AnalyticsHandler{
		logger:     logger,
		aggregator: deps.Aggregator,
		auth:       auth,
	}
}

// Register wires reporting routes onto the provided router.
func (h *AnalyticsHandler) Register(router fiber.Router) {
	analytics := router.Group("/api/analytics", h.auth)
	{
		analytics.Get("/dashboard", h.Dashboard)
		analytics.Get("/pageviews", h.PageViews)
		analytics.Get("/sessions", h.Sessions)
		analytics.Get("/popular", h.PopularPages)
		analytics.Get("/devices", h.Devices)
		analytics.Get("/breakdown/:dimension", h.Breakdown)
		analytics.Get("/engagement", h.Engagement)

		trends := analytics.Group("/trends")
		{
			trends.Get("/pageviews", h.PageViewTrends)
			trends.Get("/sessions", h.SessionTrends)
		}
	}
}

// Dashboard handles GET /api/analytics/dashboard
func (h *AnalyticsHandler) Dashboard(c *fiber.Ctx) error {
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	dash, err := h.aggregator.GetDashboard(c.UserContext(), rng)
	if err != nil {
		return h.failed(c, "dashboard", err)
	}
	return c.JSON(dash)
}

// PageViews handles GET /api/analytics/pageviews
func (h *AnalyticsHandler) PageViews(c *fiber.Ctx) error {
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	stats, err := h.aggregator.GetPageViewStats(c.UserContext(), rng)
	if err != nil {
		return h.failed(c, "page view stats", err)
	}
	return c.JSON(stats)
}

// Sessions handles GET /api/analytics/sessions
func (h *AnalyticsHandler) Sessions(c *fiber.Ctx) error {
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	stats, err := h.aggregator.GetSessionStats(c.UserContext(), rng)
	if err != nil {
		return h.failed(c, "session stats", err)
	}
	return c.JSON(stats)
}

// PopularPages handles GET /api/analytics/popular
func (h *AnalyticsHandler) PopularPages(c *fiber.Ctx) error {
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	pages, err := h.aggregator.GetPopularPages(c.UserContext(), listLimit(c), rng)
	if err != nil {
		return h.failed(c, "popular pages", err)
	}
	return c.JSON(fiber.Map{
		"pages": pages,
		"count": len(pages),
	})
}

// Devices handles GET /api/analytics/devices
func (h *AnalyticsHandler) Devices(c *fiber.Ctx) error {
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	devices, err := h.aggregator.GetDeviceBreakdown(c.UserContext(), rng)
	if err != nil {
		return h.failed(c, "device breakdown", err)
	}
	return c.JSON(fiber.Map{
		"devices": devices,
	})
}

// Breakdown handles GET /api/analytics/breakdown/:dimension
func (h *AnalyticsHandler) Breakdown(c *fiber.Ctx) error {
	dim := model.Dimension(c.Params("dimension"))
	if !dim.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown dimension",
		})
	}
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	rows, err := h.aggregator.GetBreakdown(c.UserContext(), dim, listLimit(c), rng)
	if err != nil {
		return h.failed(c, "breakdown", err)
	}
	return c.JSON(fiber.Map{
		"dimension": dim,
		"rows":      rows,
	})
}

// Engagement handles GET /api/analytics/engagement
func (h *AnalyticsHandler) Engagement(c *fiber.Ctx) error {
	rng, err := httpUtil.ParseDateRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	metrics, err := h.aggregator.GetEngagementMetrics(c.UserContext(), rng)
	if err != nil {
		return h.failed(c, "engagement", err)
	}
	return c.JSON(metrics)
}

// PageViewTrends handles GET /api/analytics/trends/pageviews?days=&end=
func (h *AnalyticsHandler) PageViewTrends(c *fiber.Ctx) error {
	days, err := trendDays(c)
	if err != nil {
		return badRequest(c, err)
	}
	end, err := httpUtil.ParseTime(c.Query("end"), false)
	if err != nil {
		return badRequest(c, err)
	}
	points, err := h.aggregator.GetPageViewTrends(c.UserContext(), days, end)
	if err != nil {
		return h.failed(c, "page view trends", err)
	}
	return c.JSON(fiber.Map{
		"points": points,
	})
}

// SessionTrends handles GET /api/analytics/trends/sessions?days=&end=
func (h *AnalyticsHandler) SessionTrends(c *fiber.Ctx) error {
	days, err := trendDays(c)
	if err != nil {
		return badRequest(c, err)
	}
	end, err := httpUtil.ParseTime(c.Query("end"), false)
	if err != nil {
		return badRequest(c, err)
	}
	points, err := h.aggregator.GetSessionTrends(c.UserContext(), days, end)
	if err != nil {
		return h.failed(c, "session trends", err)
	}
	return c.JSON(fiber.Map{
		"points": points,
	})
}

func (h *AnalyticsHandler) failed(c *fiber.Ctx, what string, err error) error {
	h.logger.Error("failed to compute "+what, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "failed to compute " + what,
	})
}

// listLimit returns the limit query parameter, or 0 for the configured default.
func listLimit(c *fiber.Ctx) int {
	if parsed := c.QueryInt("limit"); parsed > 0 && parsed <= maxListLimit {
		return parsed
	}
	return 0
}

func trendDays(c *fiber.Ctx) (int, error) {
	days := c.QueryInt("days")
	if days > maxTrendDays {
		return 0, fiber.NewError(fiber.StatusBadRequest, "days must not exceed 366")
	}
	return days, nil
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": err.Error(),
	})
}

package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/service"
	inthttp "github.com/sifan077/PowerTrack/internal/http/handler"
	"github.com/sifan077/PowerTrack/internal/http/middleware"
	"go.uber.org/zap"
)

// Dependencies bundles the services and infrastructure required by the HTTP server.
type Dependencies struct {
	Logger     *zap.Logger
	Config     *config.Config
	Redis      *redis.Client
	Recorder   *service.Recorder
	Gate       *service.ConsentGate
	Classifier *service.Classifier
	Aggregator *service.Aggregator
	Privacy    *service.PrivacyService
	// Checks are run by /health.
	Checks map[string]inthttp.Pinger
	// Routes registers the host application's own pages, which are tracked.
	Routes func(router fiber.Router)
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with default routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "PowerTrack",
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the underlying Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	cfg := s.deps.Config
	s.app.Use(
		middleware.RequestID(),
		middleware.Recovery(s.deps.Logger),
		middleware.Logger(s.deps.Logger, middleware.LoggerConfig{
			TrustProxy: cfg.Server.TrustProxy,
			SkipPaths:  []string{"/health"},
		}),
		middleware.CORS(cfg.Server.CORSOrigins),
		middleware.Tracking(middleware.TrackingDeps{
			Recorder:   s.deps.Recorder,
			Gate:       s.deps.Gate,
			Classifier: s.deps.Classifier,
			Config:     cfg.Tracking,
			TrustProxy: cfg.Server.TrustProxy,
		}),
	)
}

func (s *Server) registerRoutes() {
	cfg := s.deps.Config
	admin := middleware.AdminAuth(cfg.Server.AdminKey)

	limit := middleware.DefaultRateLimitConfig()
	limit.MaxRequests = cfg.Server.RateLimit
	limit.TrustProxy = cfg.Server.TrustProxy

	inthttp.NewHealthHandler(inthttp.HealthDeps{
		Logger: s.deps.Logger,
		Checks: s.deps.Checks,
	}).Register(s.app)

	inthttp.NewTrackingHandler(inthttp.TrackingDeps{
		Logger:     s.deps.Logger,
		Config:     cfg.Tracking,
		Recorder:   s.deps.Recorder,
		Gate:       s.deps.Gate,
		TrustProxy: cfg.Server.TrustProxy,
		Beacon:     middleware.RateLimit(s.deps.Redis, limit, s.deps.Logger),
	}).Register(s.app)

	if s.deps.Aggregator != nil {
		inthttp.NewAnalyticsHandler(inthttp.AnalyticsDeps{
			Logger:     s.deps.Logger,
			Aggregator: s.deps.Aggregator,
			Auth:       admin,
		}).Register(s.app)
	}

	if s.deps.Privacy != nil && cfg.Privacy.Enabled {
		inthttp.NewPrivacyHandler(inthttp.PrivacyDeps{
			Logger:   s.deps.Logger,
			Privacy:  s.deps.Privacy,
			Tracking: cfg.Tracking,
			Auth:     admin,
		}).Register(s.app)
	}

	if s.deps.Routes != nil {
		s.deps.Routes(s.app)
	}
}

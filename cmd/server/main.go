package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/bootstrap"
	appserver "github.com/sifan077/PowerTrack/internal/app/server"
	"github.com/sifan077/PowerTrack/internal/app/service"
	inthttp "github.com/sifan077/PowerTrack/internal/http/handler"
	"github.com/sifan077/PowerTrack/internal/http/util"
	"github.com/sifan077/PowerTrack/internal/infra/logger"
	infraNATS "github.com/sifan077/PowerTrack/internal/infra/nats"
	infraPrometheus "github.com/sifan077/PowerTrack/internal/infra/prometheus"
	infraRedis "github.com/sifan077/PowerTrack/internal/infra/redis"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.MustInit(logger.FromEnv("powertrack"))
	defer func() { _ = logger.Sync() }()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("tracking_enabled", cfg.Tracking.Enabled),
		zap.Bool("tracking_async", cfg.Tracking.Async),
		zap.Bool("require_consent", cfg.Tracking.RequireConsent),
		zap.Int("retention_days", cfg.Retention.Days),
	)

	if err := bootstrap.EnsureSecret(&cfg.Tracking, log); err != nil {
		log.Fatal("Failed to prepare tracking secret", zap.Error(err))
	}

	stores, err := bootstrap.OpenStores(ctx, cfg.Postgres, log, true)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer stores.Close()
	log.Info("Connected to Postgres successfully")

	checks := map[string]inthttp.Pinger{"postgres": stores}

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = inthttp.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		log.Info("Connected to Redis successfully")
	}

	var registry *prometheus.Registry
	var registerer prometheus.Registerer
	if cfg.Prometheus.Enabled {
		registry = infraPrometheus.NewRegistry()
		registerer = registry
	}
	metrics := service.NewMetrics(registerer)

	classifier, err := service.NewClassifier(cfg.Tracking)
	if err != nil {
		log.Fatal("Invalid tracking exclusions", zap.Error(err))
	}
	signer := util.NewConsentSigner(
		[]byte(cfg.Tracking.Secret),
		time.Duration(cfg.Tracking.ConsentLifetimeDays)*24*time.Hour,
		nil,
	)
	gate := service.NewConsentGate(cfg.Tracking, signer)
	anonymizer := service.NewAnonymizer(cfg.Tracking.Secret, cfg.Tracking.AnonymizeIP)

	recorderDeps := service.RecorderDeps{
		Logger:     log,
		Config:     cfg.Tracking,
		Gate:       gate,
		Classifier: classifier,
		Anonymizer: anonymizer,
		PageViews:  stores.PageViews,
		Sessions:   stores.Sessions,
		Metrics:    metrics,
	}

	var consumer *service.EventConsumer
	if cfg.Tracking.Async {
		natsConn, js, err := infraNATS.Connect(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		log.Info("Connected to NATS successfully", zap.Bool("jetstream_ready", js != nil))

		// The consumer applies events with a recorder that writes directly.
		consumer = service.NewEventConsumer(js, log, service.NewRecorder(recorderDeps))
		if err := consumer.Start(); err != nil {
			log.Fatal("Failed to start tracking consumer", zap.Error(err))
		}
		defer consumer.Stop()

		recorderDeps.Sink = service.NewEventPublisher(js)
		checks["nats"] = inthttp.PingFunc(func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
	}
	recorder := service.NewRecorder(recorderDeps)

	aggregator := service.NewAggregator(service.AggregatorDeps{
		Logger:    log,
		Config:    cfg.Dashboard,
		PageViews: stores.PageViews,
		Sessions:  stores.Sessions,
		Cache:     bootstrap.NewDashboardCache(cfg.Dashboard, redisClient),
		Metrics:   metrics,
	})
	privacy := service.NewPrivacyService(service.PrivacyDeps{
		Logger:     log,
		Anonymizer: anonymizer,
		PageViews:  stores.PageViews,
		Sessions:   stores.Sessions,
	})
	janitor := service.NewJanitor(service.JanitorDeps{
		Logger:  log,
		Config:  cfg.Retention,
		Repo:    stores.Retention,
		Locker:  bootstrap.NewLocker(cfg.Retention, redisClient),
		Metrics: metrics,
	})

	scheduler := service.NewScheduler(log)
	if cfg.Retention.Schedule != "" {
		if err := scheduler.Add("retention", cfg.Retention.Schedule, janitor.RunScheduled); err != nil {
			log.Fatal("Invalid retention schedule", zap.Error(err), zap.String("schedule", cfg.Retention.Schedule))
		}
		log.Info("Retention janitor scheduled", zap.String("schedule", cfg.Retention.Schedule))
	}
	if spec := cfg.Tracking.IdleCloseSchedule; spec != "" && cfg.Tracking.TrackSessions && cfg.Tracking.SessionCookieMaxAge > 0 {
		closeIdle := func(ctx context.Context) { _, _ = recorder.CloseIdleSessions(ctx) }
		if err := scheduler.Add("idle-sessions", spec, closeIdle); err != nil {
			log.Fatal("Invalid idle session schedule", zap.Error(err), zap.String("schedule", spec))
		}
	}
	scheduler.Start()

	if registry != nil {
		promServer := infraPrometheus.NewServer(cfg.Prometheus, registry)
		go func() {
			log.Info("Starting Prometheus metrics server",
				zap.Int("port", cfg.Prometheus.Port))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
		defer func() {
			if err := promServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Failed to close Prometheus server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Prometheus metrics server disabled")
	}

	server := appserver.New(appserver.Dependencies{
		Logger:     log,
		Config:     cfg,
		Redis:      redisClient,
		Recorder:   recorder,
		Gate:       gate,
		Classifier: classifier,
		Aggregator: aggregator,
		Privacy:    privacy,
		Checks:     checks,
		Routes: func(router fiber.Router) {
			if cfg.Server.StaticDir != "" {
				router.Static("/", cfg.Server.StaticDir)
			}
		},
	})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		scheduler.Stop(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down HTTP server cleanly", zap.Error(err))
		}
	}()

	log.Info("Starting HTTP server", zap.String("addr", cfg.Server.Addr))
	if err := server.Listen(cfg.Server.Addr); err != nil {
		log.Fatal("Fiber server exited", zap.Error(err))
	}
}

package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerTrack/internal/http/util"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig tunes the access log.
type LoggerConfig struct {
	TrustProxy bool
	// SkipPaths are logged at debug level only (health checks, assets).
	SkipPaths []string
}

// Logger writes one access log entry per request. Server errors are logged
// at error level and client errors at warn level.
func Logger(logger *zap.Logger, cfg LoggerConfig) fiber.Handler {
	logger = logger.Named("http")
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		level := zapcore.InfoLevel
		switch {
		case err != nil && status < fiber.StatusBadRequest, status >= fiber.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= fiber.StatusBadRequest:
			level = zapcore.WarnLevel
		}
		if _, ok := skip[c.Path()]; ok && level == zapcore.InfoLevel {
			level = zapcore.DebugLevel
		}

		ce := logger.Check(level, "request")
		if ce == nil {
			return err
		}
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", util.ClientIP(c, cfg.TrustProxy)),
			zap.String("user_agent", c.Get(fiber.HeaderUserAgent)),
		}
		if rid := RequestIDFrom(c); rid != "" {
			fields = append(fields, zap.String("request_id", rid))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
		return err
	}
}

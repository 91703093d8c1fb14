// Package bootstrap opens the stores and services shared by the server and
// the trackctl command.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"github.com/sifan077/PowerTrack/internal/app/service"
	infraPostgres "github.com/sifan077/PowerTrack/internal/infra/postgres"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stores holds the Postgres handles and the repositories built on them.
type Stores struct {
	DB        *gorm.DB
	Pool      *pgxpool.Pool
	PageViews repository.PageViewRepository
	Sessions  repository.SessionRepository
	Retention repository.RetentionRepository
}

// OpenStores connects GORM and the pgx pool, optionally migrating the schema.
func OpenStores(ctx context.Context, cfg config.PostgresConfig, log *zap.Logger, migrate bool) (*Stores, error) {
	db, err := infraPostgres.NewGorm(cfg, log)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := infraPostgres.Migrate(ctx, db); err != nil {
			closeGorm(db)
			return nil, err
		}
	}

	pool, err := infraPostgres.NewPool(ctx, cfg)
	if err != nil {
		closeGorm(db)
		return nil, err
	}

	return &Stores{
		DB:        db,
		Pool:      pool,
		PageViews: repository.NewPageViewRepository(db),
		Sessions:  repository.NewSessionRepository(db),
		Retention: repository.NewRetentionRepository(pool),
	}, nil
}

// Ping checks the pgx pool.
func (s *Stores) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close releases both connection pools.
func (s *Stores) Close() {
	s.Pool.Close()
	closeGorm(s.DB)
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// EnsureSecret fills in a random tracking secret when none is configured.
// Hashes made with it cannot be matched after a restart.
func EnsureSecret(cfg *config.TrackingConfig, log *zap.Logger) error {
	if cfg.Secret != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate tracking secret: %w", err)
	}
	cfg.Secret = hex.EncodeToString(buf)
	log.Warn("tracking.secret is not set; using an ephemeral secret, session hashes and consent cookies will not survive a restart")
	return nil
}

const retentionLockKey = "powertrack:lock:retention"

// NewLocker guards retention runs across processes: through Redis when it is
// available, through a lock file otherwise.
func NewLocker(cfg config.RetentionConfig, rdb *redis.Client) service.Locker {
	if rdb != nil {
		return service.NewRedisLocker(rdb, retentionLockKey, cfg.LockTTL)
	}
	return service.NewFileLocker(cfg.LockFile)
}

// NewDashboardCache shares dashboard results through Redis when it is
// available and caches them in process otherwise. A zero TTL disables caching.
func NewDashboardCache(cfg config.DashboardConfig, rdb *redis.Client) service.DashboardCache {
	if cfg.CacheTTL <= 0 {
		return nil
	}
	if rdb != nil {
		return service.NewRedisDashboardCache(rdb)
	}
	return service.NewMemoryDashboardCache(cfg.CacheTTL)
}

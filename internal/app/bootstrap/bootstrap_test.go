package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnsureSecret(t *testing.T) {
	cfg := config.TrackingConfig{Secret: "configured"}
	require.NoError(t, EnsureSecret(&cfg, zap.NewNop()))
	assert.Equal(t, "configured", cfg.Secret)

	cfg.Secret = ""
	require.NoError(t, EnsureSecret(&cfg, zap.NewNop()))
	assert.Len(t, cfg.Secret, 64)

	other := config.TrackingConfig{}
	require.NoError(t, EnsureSecret(&other, zap.NewNop()))
	assert.NotEqual(t, cfg.Secret, other.Secret)
}

func TestNewLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		cfg := config.RetentionConfig{LockFile: filepath.Join(t.TempDir(), "janitor.lock")}
		unlock, ok, err := NewLocker(cfg, nil).TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = NewLocker(cfg, nil).TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		unlock()
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		cfg := config.RetentionConfig{LockTTL: time.Minute}
		unlock, ok, err := NewLocker(cfg, rdb).TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, mr.Exists(retentionLockKey))

		_, ok, err = NewLocker(cfg, rdb).TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		unlock()
		assert.False(t, mr.Exists(retentionLockKey))
	})
}

func TestNewDashboardCache(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, NewDashboardCache(config.DashboardConfig{}, nil))

	cfg := config.DashboardConfig{CacheTTL: time.Minute}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for name, cache := range map[string]service.DashboardCache{
		"memory": NewDashboardCache(cfg, nil),
		"redis":  NewDashboardCache(cfg, rdb),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, cache.Set(ctx, "k", map[string]int{"views": 3}, time.Minute))
			var got map[string]int
			ok, err := cache.Get(ctx, "k", &got)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 3, got["views"])
		})
	}
}

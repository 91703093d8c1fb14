package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const dashboardKeyPrefix = "dashboard:"

// DashboardCache stores aggregate results for a short time. Values are
// JSON encoded so that cached results never alias live data.
type DashboardCache interface {
	// Get decodes the value cached under key into dest. found is false on
	// a miss.
	Get(ctx context.Context, key string, dest any) (found bool, err error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type redisDashboardCache struct {
	client *redis.Client
}

// NewRedisDashboardCache returns a cache shared by every instance through
// Redis.
func NewRedisDashboardCache(client *redis.Client) DashboardCache {
	return &redisDashboardCache{client: client}
}

func (c *redisDashboardCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, dashboardKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *redisDashboardCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, dashboardKeyPrefix+key, data, ttl).Err()
}

type memoryDashboardCache struct {
	items *gocache.Cache
}

// NewMemoryDashboardCache returns a process-local cache.
func NewMemoryDashboardCache(ttl time.Duration) DashboardCache {
	cleanup := 2 * ttl
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &memoryDashboardCache{items: gocache.New(ttl, cleanup)}
}

func (c *memoryDashboardCache) Get(_ context.Context, key string, dest any) (bool, error) {
	v, ok := c.items.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v.([]byte), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *memoryDashboardCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items.Set(key, data, ttl)
	return nil
}

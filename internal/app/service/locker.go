package service

import (
	"context"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides a soft single-flight guard for scheduled jobs. It is not
// a fencing lock: a holder that outlives the TTL may overlap the next one.
type Locker interface {
	// TryLock returns ok=false without blocking when the lock is held.
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLocker returns a Locker shared by every instance through Redis.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &redisLocker{client: client, key: key, ttl: ttl}
}

func (l *redisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	unlock := func() {
		_ = releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err()
	}
	return unlock, true, nil
}

type fileLocker struct {
	lock *flock.Flock
}

// NewFileLocker returns a Locker backed by an advisory lock on path. It
// only guards processes on the same host.
func NewFileLocker(path string) Locker {
	return &fileLocker{lock: flock.New(path)}
}

func (l *fileLocker) TryLock(context.Context) (func(), bool, error) {
	ok, err := l.lock.TryLock()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() { _ = l.lock.Unlock() }, true, nil
}

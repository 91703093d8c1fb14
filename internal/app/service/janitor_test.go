package service

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJanitor(t *testing.T, store *memory.Store, mutate func(cfg *config.RetentionConfig)) *Janitor {
	t.Helper()
	cfg := config.Default().Retention
	cfg.BatchPause = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return NewJanitor(JanitorDeps{
		Config:  cfg,
		Repo:    store.Retention(),
		Clock:   newMockClock(t),
		Metrics: NewMetrics(nil),
	})
}

// seedAges stores one page view and one session per age in days.
func seedAges(t *testing.T, ages ...int) *memory.Store {
	t.Helper()
	store := memory.New()
	for i, age := range ages {
		at := testNow.Add(-time.Duration(age) * 24 * time.Hour)
		addView(t, store, "/p", model.DeviceDesktop, at)
		addSession(t, store, "s"+string(rune('a'+i)), 1, nil, at)
	}
	return store
}

func TestJanitor_CleanupOldData(t *testing.T) {
	store := seedAges(t, 1, 10, 40, 400)
	j := newTestJanitor(t, store, nil)
	ctx := context.Background()
	days := 30

	res := j.CleanupOldData(ctx, &days)
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, int64(2), res.PageViewsDeleted)
	assert.Equal(t, int64(2), res.SessionsDeleted)
	assert.Equal(t, 30, res.RetentionDays)
	assert.Equal(t, testNow, res.CleanupDate)
	require.NotNil(t, res.Cutoff)
	assert.Equal(t, testNow.AddDate(0, 0, -30), *res.Cutoff)

	for _, v := range store.AllPageViews() {
		assert.True(t, v.ViewedAt.After(*res.Cutoff))
	}

	again := j.CleanupOldData(ctx, &days)
	assert.Zero(t, again.PageViewsDeleted)
	assert.Zero(t, again.SessionsDeleted)
}

func TestJanitor_RetentionDisabled(t *testing.T) {
	store := seedAges(t, 1, 400, 4000)
	j := newTestJanitor(t, store, nil)
	zero := 0

	res := j.CleanupOldData(context.Background(), &zero)
	assert.True(t, res.Disabled)
	assert.Zero(t, res.PageViewsDeleted)
	assert.Zero(t, res.SessionsDeleted)
	assert.Len(t, store.AllPageViews(), 3)
}

func TestJanitor_NegativeDaysIsAnError(t *testing.T) {
	store := seedAges(t, 400)
	j := newTestJanitor(t, store, nil)
	days := -5

	res := j.CleanupOldData(context.Background(), &days)
	assert.True(t, res.Failed())
	assert.Equal(t, -5, res.RetentionDays)
	assert.Len(t, store.AllPageViews(), 1)

	_, err := j.Inspect(context.Background(), &days)
	assert.Error(t, err)
}

func TestJanitor_RejectsOversizedWindow(t *testing.T) {
	store := seedAges(t, 1, 10, 40, 400)
	j := newTestJanitor(t, store, nil)
	ctx := context.Background()

	for _, days := range []int{MaxRetentionDays + 1, 200000, math.MaxInt} {
		res := j.CleanupOldData(ctx, &days)
		assert.True(t, res.Failed(), "days=%d", days)
		assert.Contains(t, res.Error, "must not exceed")
		assert.Zero(t, res.PageViewsDeleted)
		assert.Nil(t, res.Cutoff)

		_, err := j.Inspect(ctx, &days)
		assert.Error(t, err, "days=%d", days)
	}
	assert.Len(t, store.AllPageViews(), 4)
	assert.Len(t, store.AllSessions(), 4)

	days := MaxRetentionDays
	res := j.CleanupOldData(ctx, &days)
	require.False(t, res.Failed(), res.Error)
	assert.Zero(t, res.PageViewsDeleted)
	assert.True(t, res.Cutoff.Before(testNow))
}

func TestJanitor_UsesConfiguredDays(t *testing.T) {
	store := seedAges(t, 5, 15)
	j := newTestJanitor(t, store, func(cfg *config.RetentionConfig) { cfg.Days = 10 })

	res := j.CleanupOldData(context.Background(), nil)
	assert.Equal(t, 10, res.RetentionDays)
	assert.Equal(t, int64(1), res.PageViewsDeleted)
}

func TestJanitor_DeletesInBatches(t *testing.T) {
	store := seedAges(t, 50, 60, 70, 80, 90, 2)
	j := newTestJanitor(t, store, func(cfg *config.RetentionConfig) { cfg.BatchSize = 2 })
	days := 30

	res := j.CleanupOldData(context.Background(), &days)
	assert.Equal(t, int64(5), res.PageViewsDeleted)
	assert.Equal(t, int64(5), res.SessionsDeleted)
	assert.Len(t, store.AllPageViews(), 1)

	res = j.Cleanup(context.Background(), CleanupOptions{Days: &days, BatchSize: 1})
	assert.Zero(t, res.PageViewsDeleted)
}

func TestJanitor_Inspect(t *testing.T) {
	store := seedAges(t, 1, 10, 40, 400)
	j := newTestJanitor(t, store, nil)
	days := 30

	report, err := j.Inspect(context.Background(), &days)
	require.NoError(t, err)
	assert.Equal(t, TableCounts{Total: 4, Expired: 2}, report.PageViews)
	assert.Equal(t, TableCounts{Total: 4, Expired: 2}, report.Sessions)
	assert.Len(t, store.AllPageViews(), 4, "inspection never deletes")

	zero := 0
	report, err = j.Inspect(context.Background(), &zero)
	require.NoError(t, err)
	assert.True(t, report.Disabled)
	assert.Zero(t, report.PageViews.Expired)
}

func TestJanitor_CancelledContextStopsBatches(t *testing.T) {
	store := seedAges(t, 50, 60, 70)
	j := newTestJanitor(t, store, func(cfg *config.RetentionConfig) { cfg.BatchSize = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	days := 30

	res := j.CleanupOldData(ctx, &days)
	assert.True(t, res.Failed())
	assert.Equal(t, int64(1), res.PageViewsDeleted)
}

func TestJanitor_RunScheduledSkipsWhenLocked(t *testing.T) {
	store := seedAges(t, 400)
	path := filepath.Join(t.TempDir(), "janitor.lock")

	holder := NewFileLocker(path)
	unlock, ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	cfg := config.Default().Retention
	j := NewJanitor(JanitorDeps{
		Config: cfg,
		Repo:   store.Retention(),
		Locker: NewFileLocker(path),
		Clock:  newMockClock(t),
	})

	j.RunScheduled(context.Background())
	assert.Len(t, store.AllPageViews(), 1)

	unlock()
	j.RunScheduled(context.Background())
	assert.Empty(t, store.AllPageViews())
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewRedisLocker(client, "lock:janitor", time.Minute)
	b := NewRedisLocker(client, "lock:janitor", time.Minute)

	unlock, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlockB, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	unlockB()

	// An expired lock is free again.
	_, ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Minute)
	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

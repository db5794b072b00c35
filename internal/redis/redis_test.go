package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestScheduleLockKey(t *testing.T) {
	id := uuid.MustParse("6f1b1f8e-2f1e-4a55-9c1b-1d3c7e2a9b10")
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "lock:schedule:6f1b1f8e-2f1e-4a55-9c1b-1d3c7e2a9b10:2026-03-02", ScheduleLockKey(id, date))
}

func TestWithScheduleLockReleases(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisScheduleLocker(client, 5*time.Second, 0)

	provider := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	ran := false
	err := locker.WithScheduleLock(context.Background(), provider, date, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(ScheduleLockKey(provider, date)))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(ScheduleLockKey(provider, date)))
}

func TestWithScheduleLockContended(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisScheduleLocker(client, 5*time.Second, 0)

	provider := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mr.Set(ScheduleLockKey(provider, date), "someone-else"))

	err := locker.WithScheduleLock(context.Background(), provider, date, func(ctx context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	// foreign token is left untouched
	got, _ := mr.Get(ScheduleLockKey(provider, date))
	assert.Equal(t, "someone-else", got)
}

func TestWithScheduleLockSerialises(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisScheduleLocker(client, 5*time.Second, 2*time.Second)

	provider := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithScheduleLock(context.Background(), provider, date, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestWithScheduleLockPropagatesError(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisScheduleLocker(client, 5*time.Second, 0)

	boom := errors.New("boom")
	err := locker.WithScheduleLock(context.Background(), uuid.New(), time.Now(), func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestDeduperTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	d := NewRedisDeduper(client, "webhook", time.Minute)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "pay-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "pay-1"))

	seen, err = d.Seen(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)

	seen, err = d.Seen(ctx, "pay-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

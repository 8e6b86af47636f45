package cache

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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipe-engagement/internal/domain"
)

func newTestRedis(t *testing.T) (*RedisDedup, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisDedupSuppressesWithinWindow(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	suppressed, err := store.ShouldSuppress(ctx, "view-recipe-1.2.3.4")
	require.NoError(t, err)
	assert.False(t, suppressed, "пустое хранилище не должно подавлять")

	require.NoError(t, store.MarkSeen(ctx, "view-recipe-1.2.3.4", time.Minute))
	suppressed, err = store.ShouldSuppress(ctx, "view-recipe-1.2.3.4")
	require.NoError(t, err)
	assert.True(t, suppressed)

	mr.FastForward(61 * time.Second)
	suppressed, err = store.ShouldSuppress(ctx, "view-recipe-1.2.3.4")
	require.NoError(t, err)
	assert.False(t, suppressed, "истёкшая запись не должна подавлять")
}

func TestRedisDedupMarkSeenOverwritesTTL(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.MarkSeen(ctx, "k", 10*time.Second))
	mr.FastForward(8 * time.Second)
	require.NoError(t, store.MarkSeen(ctx, "k", 10*time.Second))
	mr.FastForward(8 * time.Second)

	suppressed, err := store.ShouldSuppress(ctx, "k")
	require.NoError(t, err)
	assert.True(t, suppressed, "последняя запись продлевает окно")
}

func TestRedisDedupClaimIsExclusive(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, "view-recipe-origin", time.Minute)
			assert.NoError(t, err)
			if ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())

	mr.FastForward(time.Minute)
	ok, err := store.Claim(ctx, "view-recipe-origin", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "после окна ключ снова можно занять")
}

func TestRedisDedupUnavailable(t *testing.T) {
	store, mr := newTestRedis(t)
	mr.Close()

	_, err := store.Claim(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	_, err = store.ShouldSuppress(context.Background(), "k")
	assert.Error(t, err)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryDedupExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	ok, err := store.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(59 * time.Second)
	suppressed, _ := store.ShouldSuppress(ctx, "a")
	assert.True(t, suppressed)

	clock.Advance(time.Second)
	suppressed, _ = store.ShouldSuppress(ctx, "a")
	assert.False(t, suppressed, "запись истекает ровно в expiresAt")
}

func TestMemoryDedupCapacityFailsClosed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemory(WithClock(clock.Now), WithCapacity(2))
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		ok, err := store.Claim(ctx, key, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := store.Claim(ctx, "c", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))

	clock.Advance(2 * time.Minute)
	ok, err := store.Claim(ctx, "c", time.Minute)
	require.NoError(t, err, "истёкшие записи освобождают место")
	assert.True(t, ok)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryDedupSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.MarkSeen(ctx, "short", time.Second))
	require.NoError(t, store.MarkSeen(ctx, "long", time.Hour))
	clock.Advance(time.Minute)

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

type failingStore struct {
	calls atomic.Int32
}

func (f *failingStore) ShouldSuppress(context.Context, string) (bool, error) {
	f.calls.Add(1)
	return false, errors.New("connection refused")
}

func (f *failingStore) MarkSeen(context.Context, string, time.Duration) error {
	f.calls.Add(1)
	return errors.New("connection refused")
}

func (f *failingStore) Claim(context.Context, string, time.Duration) (bool, error) {
	f.calls.Add(1)
	return false, errors.New("connection refused")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingStore{}
	store := NewBreaker(inner, BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Claim(ctx, "k", time.Minute)
		require.Error(t, err)
	}
	assert.Equal(t, "open", store.State())

	_, err := store.Claim(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))
	assert.Equal(t, int32(3), inner.calls.Load(), "разомкнутый предохранитель не доходит до хранилища")
}

func TestBreakerPassesThrough(t *testing.T) {
	store := NewBreaker(NewMemory(), BreakerConfig{}, zerolog.Nop())
	ctx := context.Background()

	ok, err := store.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	suppressed, err := store.ShouldSuppress(ctx, "k")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestViewKey(t *testing.T) {
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	assert.Equal(t, "view-recipe-10.0.0.1", ViewKey(" 10.0.0.1 ", id, false))
	assert.Equal(t, "view-recipe-10.0.0.1:7c9e6679-7425-40de-944b-e07fc1f90ae7", ViewKey("10.0.0.1", id, true))
}

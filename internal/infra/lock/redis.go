package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker выдаёт аренды через SET NX PX.
type RedisLocker struct {
	client   *redis.Client
	attempts int
	backoff  time.Duration
}

var _ domain.Locker = (*RedisLocker)(nil)

// NewRedis создаёт locker. attempts — число попыток занять ключ, backoff — пауза между ними.
func NewRedis(client *redis.Client, attempts int, backoff time.Duration) *RedisLocker {
	if attempts <= 0 {
		attempts = 1
	}
	return &RedisLocker{client: client, attempts: attempts, backoff: backoff}
}

// Acquire пытается занять ключ на ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	token := uuid.NewString()
	for attempt := 1; ; attempt++ {
		start := time.Now()
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		metrics.ObserveNetworkRequest("redis", "setnx", "lock", start, err)
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			return &redisLease{client: l.client, key: key, token: token}, nil
		}
		if attempt >= l.attempts {
			return nil, domain.ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff):
		}
	}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

// Release освобождает аренду, если она ещё наша.
func (r *redisLease) Release(ctx context.Context) error {
	start := time.Now()
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	metrics.ObserveNetworkRequest("redis", "release", "lock", start, err)
	if err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	if n == 0 {
		return domain.ErrLockNotHeld
	}
	return nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// RedisDedup реализует domain.DedupStore через Redis. Истечение ключей выполняет сам Redis.
type RedisDedup struct {
	client *redis.Client
}

var _ domain.DedupStore = (*RedisDedup)(nil)

// NewRedis создаёт хранилище дедупликации.
func NewRedis(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

// ShouldSuppress проверяет наличие неистёкшего ключа.
func (c *RedisDedup) ShouldSuppress(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := c.client.Exists(ctx, key).Result()
	metrics.ObserveNetworkRequest("redis", "exists", "dedup", start, err)
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkSeen безусловно записывает ключ.
func (c *RedisDedup) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()
	err := c.client.Set(ctx, key, "1", ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", "dedup", start, err)
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Claim выполняет SET NX: только первый вызов в окне получает true.
func (c *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "dedup", start, err)
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

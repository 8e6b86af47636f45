package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// RedisHistoryQueue реализует очередь истории на базе Redis lists.
type RedisHistoryQueue struct {
	client *redis.Client
	key    string
}

var _ domain.HistoryQueue = (*RedisHistoryQueue)(nil)

// NewRedisHistoryQueue создаёт очередь по указанному ключу.
func NewRedisHistoryQueue(client *redis.Client, key string) *RedisHistoryQueue {
	return &RedisHistoryQueue{client: client, key: key}
}

// Enqueue публикует запись в очередь.
func (q *RedisHistoryQueue) Enqueue(ctx context.Context, record domain.HistoryRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push record: %w", err)
	}
	return nil
}

// Receive блокирующе читает запись. ack(false) возвращает запись в голову очереди.
func (q *RedisHistoryQueue) Receive(ctx context.Context) (domain.HistoryRecord, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.HistoryRecord{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return domain.HistoryRecord{}, nil, ctx.Err()
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.HistoryRecord{}, nil, err
		}
		if len(res) != 2 {
			return domain.HistoryRecord{}, nil, errors.New("redis queue: unexpected response")
		}
		raw := res[1]
		var record domain.HistoryRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return domain.HistoryRecord{}, nil, fmt.Errorf("decode record: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.RPush(context.Background(), q.key, raw).Err()
		}
		return record, ack, nil
	}
}

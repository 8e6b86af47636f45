package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

const subscriberBuffer = 64

// RedisPubSub реализует рассылку через Redis Pub/Sub.
type RedisPubSub struct {
	client *redis.Client
}

var (
	_ domain.Broadcaster = (*RedisPubSub)(nil)
	_ domain.Subscriber  = (*RedisPubSub)(nil)
)

// NewRedis создаёт рассылку.
func NewRedis(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// Publish публикует сообщение в канал topic.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	err := r.client.Publish(ctx, topic, payload).Err()
	metrics.ObserveNetworkRequest("redis", "publish", topic, start, err)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe подписывается на topic. Канал закрывается после отмены ctx.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		messages := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

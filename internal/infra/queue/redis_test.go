package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipe-engagement/internal/domain"
)

func newQueue(t *testing.T) *RedisHistoryQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHistoryQueue(client, "recipe_history")
}

func TestRedisHistoryQueueFIFO(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	user := uuid.New()
	first := domain.HistoryRecord{UserID: user, RecipeID: uuid.New(), ViewedAt: time.Unix(100, 0).UTC()}
	second := domain.HistoryRecord{UserID: user, RecipeID: uuid.New(), ViewedAt: time.Unix(200, 0).UTC()}

	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, ack, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ack(true))
	assert.Equal(t, first.RecipeID, got.RecipeID)
	assert.True(t, first.ViewedAt.Equal(got.ViewedAt))

	got, ack, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ack(true))
	assert.Equal(t, second.RecipeID, got.RecipeID)
}

func TestRedisHistoryQueueNackRedelivers(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	record := domain.HistoryRecord{UserID: uuid.New(), RecipeID: uuid.New(), ViewedAt: time.Now().UTC()}
	require.NoError(t, q.Enqueue(ctx, record))

	_, ack, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ack(false))

	again, ack, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ack(true))
	assert.Equal(t, record.RecipeID, again.RecipeID)
}

func TestRedisHistoryQueueReceiveCancelled(t *testing.T) {
	q := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

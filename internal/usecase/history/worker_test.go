package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/queue"
)

// flakySink отказывает первые failures раз, затем сохраняет записи.
type flakySink struct {
	mu       sync.Mutex
	failures int
	err      error
	records  []domain.HistoryRecord
}

func (f *flakySink) AppendHistory(_ context.Context, record domain.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

func (f *flakySink) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newRedisQueue(t *testing.T) (*queue.RedisHistoryQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisHistoryQueue(client, "history"), mr
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("worker не остановился")
		}
	})
	return cancel
}

func TestWorkerDrainsQueue(t *testing.T) {
	q, _ := newRedisQueue(t)
	sink := &flakySink{}
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), domain.HistoryRecord{UserID: uuid.New(), RecipeID: uuid.New(), ViewedAt: time.Now()}))
	}

	runWorker(t, NewWorker(q, sink, zerolog.Nop(), 10*time.Millisecond))

	require.Eventually(t, func() bool { return sink.len() == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	q, mr := newRedisQueue(t)
	sink := &flakySink{failures: 2, err: errors.New("db down")}
	require.NoError(t, q.Enqueue(context.Background(), domain.HistoryRecord{UserID: uuid.New(), RecipeID: uuid.New()}))

	runWorker(t, NewWorker(q, sink, zerolog.Nop(), 10*time.Millisecond))

	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, listQueue(mr), "запись подтверждена и удалена из очереди")
}

func TestWorkerDropsMissingRecipe(t *testing.T) {
	q, mr := newRedisQueue(t)
	sink := &flakySink{failures: 1, err: domain.ErrRecipeNotFound}
	require.NoError(t, q.Enqueue(context.Background(), domain.HistoryRecord{UserID: uuid.New(), RecipeID: uuid.New()}))
	require.NoError(t, q.Enqueue(context.Background(), domain.HistoryRecord{UserID: uuid.New(), RecipeID: uuid.New()}))

	runWorker(t, NewWorker(q, sink, zerolog.Nop(), 10*time.Millisecond))

	require.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(listQueue(mr)) == 0 }, time.Second, 10*time.Millisecond)
}

func listQueue(mr *miniredis.Miniredis) []string {
	items, err := mr.List("history")
	if err != nil {
		return nil
	}
	return items
}

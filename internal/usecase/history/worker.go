package history

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// Worker переносит записи истории из очереди в хранилище.
type Worker struct {
	queue   domain.HistoryQueue
	sink    domain.HistorySink
	log     zerolog.Logger
	backoff time.Duration
}

// NewWorker создаёт обработчик очереди истории.
func NewWorker(queue domain.HistoryQueue, sink domain.HistorySink, logger zerolog.Logger, backoff time.Duration) *Worker {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Worker{queue: queue, sink: sink, log: logger, backoff: backoff}
}

// Run обрабатывает записи до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	for {
		record, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("history-worker: ошибка чтения очереди")
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		w.handle(ctx, record, ack)
	}
}

func (w *Worker) handle(ctx context.Context, record domain.HistoryRecord, ack domain.AckFunc) {
	recLog := w.log.With().
		Str("user_id", record.UserID.String()).
		Str("recipe_id", record.RecipeID.String()).
		Logger()

	err := w.sink.AppendHistory(ctx, record)
	switch {
	case err == nil:
		if ackErr := ack(true); ackErr != nil {
			recLog.Error().Err(ackErr).Msg("history-worker: не удалось подтвердить запись")
		}
	case errors.Is(err, domain.ErrRecipeNotFound):
		// Рецепт удалён: повтор не поможет.
		metrics.HistoryFailures.Inc()
		recLog.Warn().Msg("history-worker: рецепт не найден, запись отброшена")
		if ackErr := ack(true); ackErr != nil {
			recLog.Error().Err(ackErr).Msg("history-worker: не удалось подтвердить запись")
		}
	default:
		metrics.HistoryFailures.Inc()
		recLog.Warn().Err(err).Msg("history-worker: запись не сохранена, вернём в очередь")
		if ackErr := ack(false); ackErr != nil {
			recLog.Error().Err(ackErr).Msg("history-worker: не удалось вернуть запись в очередь")
		}
		w.sleep(ctx)
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.backoff):
		return true
	}
}

package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// Service фиксирует просмотры авторизованных пользователей.
// Запись best-effort: сбой хранилища не влияет на уже засчитанный просмотр.
type Service struct {
	sink domain.HistorySink
	log  zerolog.Logger
}

var _ domain.HistoryRecorder = (*Service)(nil)

// NewService создаёт сервис истории.
func NewService(sink domain.HistorySink, logger zerolog.Logger) *Service {
	return &Service{sink: sink, log: logger}
}

// Record реализует domain.HistoryRecorder.
func (s *Service) Record(ctx context.Context, userID, recipeID uuid.UUID, at time.Time) {
	if userID == uuid.Nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	record := domain.HistoryRecord{UserID: userID, RecipeID: recipeID, ViewedAt: at.UTC()}
	if err := s.sink.AppendHistory(ctx, record); err != nil {
		metrics.HistoryFailures.Inc()
		s.log.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("recipe_id", recipeID.String()).
			Msg("history: не удалось записать просмотр")
	}
}

// QueueSink отправляет записи истории в очередь history-worker вместо прямой записи в БД.
type QueueSink struct {
	queue domain.HistoryQueue
}

var _ domain.HistorySink = (*QueueSink)(nil)

// NewQueueSink оборачивает очередь.
func NewQueueSink(queue domain.HistoryQueue) *QueueSink {
	return &QueueSink{queue: queue}
}

// AppendHistory реализует domain.HistorySink.
func (q *QueueSink) AppendHistory(ctx context.Context, record domain.HistoryRecord) error {
	return q.queue.Enqueue(ctx, record)
}

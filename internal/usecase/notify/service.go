package notify

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

// Service рассылает снимок рецепта подписчикам после изменения счётчиков.
// Доставка best-effort: ошибки логируются и учитываются в метриках, но не возвращаются.
type Service struct {
	broadcaster domain.Broadcaster
	topic       string
	log         zerolog.Logger
}

var _ domain.ChangeNotifier = (*Service)(nil)

// NewService создаёт сервис рассылки.
func NewService(broadcaster domain.Broadcaster, topic string, logger zerolog.Logger) *Service {
	if topic == "" {
		topic = domain.TopicRecipeUpdated
	}
	return &Service{broadcaster: broadcaster, topic: topic, log: logger}
}

// Publish реализует domain.ChangeNotifier.
func (s *Service) Publish(ctx context.Context, recipe domain.RecipeAggregate) {
	payload, err := json.Marshal(domain.NewRecipeUpdatedMessage(recipe))
	if err != nil {
		metrics.NotifyFailures.Inc()
		s.log.Error().Err(err).Str("recipe_id", recipe.ID.String()).Msg("notify: не удалось сериализовать сообщение")
		return
	}
	if err := s.broadcaster.Publish(ctx, s.topic, payload); err != nil {
		metrics.NotifyFailures.Inc()
		s.log.Warn().Err(err).Str("recipe_id", recipe.ID.String()).Str("topic", s.topic).Msg("notify: рассылка не удалась")
		return
	}
	s.log.Debug().Str("recipe_id", recipe.ID.String()).Str("topic", s.topic).Msg("notify: обновление отправлено")
}

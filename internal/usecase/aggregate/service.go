package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

const defaultAttemptTimeout = 3 * time.Second

// Service применяет дельты к агрегату рецепта через атомарное хранилище.
// Состояние агрегата живёт только в хранилище: сервис не кэширует снимки.
type Service struct {
	store   domain.AggregateStore
	log     zerolog.Logger
	timeout time.Duration
	retries int
}

// Option настраивает Service.
type Option func(*Service)

// WithAttemptTimeout ограничивает время одной попытки.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRetries задаёт число повторов после временной ошибки.
func WithRetries(retries int) Option {
	return func(s *Service) {
		if retries >= 0 {
			s.retries = retries
		}
	}
}

// NewService создаёт сервис агрегата.
func NewService(store domain.AggregateStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: logger, timeout: defaultAttemptTimeout, retries: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyDelta атомарно применяет дельту и возвращает снимок после изменения.
// Счётчики, которые ушли бы в минус, хранилище обрезает до нуля; такие случаи логируются.
func (s *Service) ApplyDelta(ctx context.Context, recipeID uuid.UUID, delta domain.Delta) (domain.RecipeAggregate, error) {
	if err := validate(delta); err != nil {
		return domain.RecipeAggregate{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			metrics.MutationRetries.Inc()
			s.log.Warn().Err(lastErr).Str("recipe_id", recipeID.String()).Int("attempt", attempt+1).Msg("aggregate: повтор применения дельты")
		}
		res, err := s.apply(ctx, recipeID, delta)
		if err == nil {
			if res.Clamped {
				metrics.DeltasClamped.Inc()
				s.log.Warn().
					Str("recipe_id", recipeID.String()).
					Interface("delta", delta).
					Msg("aggregate: счётчик обрезан до нуля")
			}
			return res.Aggregate, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	if errors.Is(lastErr, domain.ErrRecipeNotFound) {
		return domain.RecipeAggregate{}, lastErr
	}
	return domain.RecipeAggregate{}, fmt.Errorf("применение дельты к %s: %w", recipeID, lastErr)
}

func (s *Service) apply(ctx context.Context, recipeID uuid.UUID, delta domain.Delta) (domain.DeltaResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.ApplyDelta(attemptCtx, recipeID, delta)
}

func validate(delta domain.Delta) error {
	for field := range delta {
		if !field.Valid() {
			return fmt.Errorf("поле %q: %w", field, domain.ErrInvalidDelta)
		}
	}
	return nil
}

// retryable отличает временные сбои от окончательных ответов хранилища.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrRecipeNotFound), errors.Is(err, domain.ErrInvalidDelta):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

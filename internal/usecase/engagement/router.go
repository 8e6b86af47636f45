package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/async"
	"recipe-engagement/internal/infra/cache"
	"recipe-engagement/internal/infra/metrics"
)

const (
	defaultViewDedupTTL    = 60 * time.Second
	defaultDedupTimeout    = 300 * time.Millisecond
	defaultSideTimeout     = 2 * time.Second
	defaultBookmarkLockTTL = 5 * time.Second
	leaseReleaseTimeout    = time.Second
)

// Mutator применяет дельты к агрегату рецепта.
type Mutator interface {
	ApplyDelta(ctx context.Context, recipeID uuid.UUID, delta domain.Delta) (domain.RecipeAggregate, error)
}

// Dispatcher запускает побочные задачи после фиксации мутации.
type Dispatcher interface {
	Go(name string, timeout time.Duration, fn async.Task) bool
}

// Config задаёт окна и таймауты маршрутизатора.
type Config struct {
	ViewDedupTTL    time.Duration
	DedupPerRecipe  bool
	DedupTimeout    time.Duration
	NotifyTimeout   time.Duration
	HistoryTimeout  time.Duration
	// BookmarkLockTTL — срок аренды закладки и предел длительности самого переключения.
	BookmarkLockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.ViewDedupTTL <= 0 {
		c.ViewDedupTTL = defaultViewDedupTTL
	}
	if c.DedupTimeout <= 0 {
		c.DedupTimeout = defaultDedupTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultSideTimeout
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = defaultSideTimeout
	}
	if c.BookmarkLockTTL <= 0 {
		c.BookmarkLockTTL = defaultBookmarkLockTTL
	}
	return c
}

// Deps — зависимости маршрутизатора. Locker и Reviews необязательны.
type Deps struct {
	Dedup      domain.DedupStore
	Mutator    Mutator
	Bookmarks  domain.BookmarkRepo
	Reviews    domain.ReviewRepo
	Locker     domain.Locker
	Notifier   domain.ChangeNotifier
	History    domain.HistoryRecorder
	Dispatcher Dispatcher
}

// Router принимает события вовлечённости и проводит их через
// дедупликацию, мутацию агрегата и побочные каналы.
type Router struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

// NewRouter создаёт маршрутизатор событий.
func NewRouter(deps Deps, cfg Config, logger zerolog.Logger) *Router {
	return &Router{deps: deps, cfg: cfg.withDefaults(), log: logger, now: time.Now}
}

// View учитывает просмотр рецепта. Возвращает true, если просмотр засчитан.
//
// Просмотр без источника и повторный просмотр в окне отбрасываются молча.
// Недоступное хранилище дедупликации трактуется как «уже учтено».
func (r *Router) View(ctx context.Context, ev domain.ViewOccurred) (bool, error) {
	origin := strings.TrimSpace(ev.OriginID)
	if origin == "" {
		metrics.IncViewSuppressed(metrics.SuppressReasonNoOrigin)
		r.log.Debug().Str("recipe_id", ev.RecipeID.String()).Msg("engagement: просмотр без источника отброшен")
		return false, nil
	}

	key := cache.ViewKey(origin, ev.RecipeID, r.cfg.DedupPerRecipe)
	dedupCtx, cancel := context.WithTimeout(ctx, r.cfg.DedupTimeout)
	claimed, err := r.deps.Dedup.Claim(dedupCtx, key, r.cfg.ViewDedupTTL)
	cancel()
	if err != nil {
		metrics.IncViewSuppressed(metrics.SuppressReasonStoreError)
		r.log.Warn().Err(err).Str("key", key).Msg("engagement: хранилище дедупликации недоступно, просмотр не засчитан")
		return false, nil
	}
	if !claimed {
		metrics.IncViewSuppressed(metrics.SuppressReasonDuplicate)
		return false, nil
	}

	recipe, err := r.deps.Mutator.ApplyDelta(ctx, ev.RecipeID, domain.Delta{domain.FieldViews: 1})
	if err != nil {
		return false, fmt.Errorf("учёт просмотра: %w", err)
	}
	metrics.ViewsCounted.Inc()
	if ev.Attributed() {
		r.recordHistory(ev)
	}
	r.notify(recipe)
	return true, nil
}

// Rate применяет оценку одной комбинированной дельтой и рассылает обновление.
func (r *Router) Rate(ctx context.Context, ev domain.RatingSubmitted) (domain.RecipeAggregate, error) {
	if ev.Rating < domain.MinRating || ev.Rating > domain.MaxRating {
		return domain.RecipeAggregate{}, domain.ErrInvalidRating
	}
	recipe, err := r.deps.Mutator.ApplyDelta(ctx, ev.RecipeID, domain.Delta{
		domain.FieldRatingCount: 1,
		domain.FieldRatingSum:   int64(ev.Rating),
	})
	if err != nil {
		return domain.RecipeAggregate{}, fmt.Errorf("учёт оценки: %w", err)
	}
	metrics.RatingsApplied.Inc()
	r.notify(recipe)
	return recipe, nil
}

// SubmitReview сохраняет отзыв вместе с его оценкой.
// Повторный отзыв пользователя на тот же рецепт отклоняется с ErrAlreadyReviewed.
// При ошибке не остаётся ни отзыва, ни дельты, поэтому запрос можно повторить.
func (r *Router) SubmitReview(ctx context.Context, review domain.Review) (domain.Review, domain.RecipeAggregate, error) {
	if r.deps.Reviews == nil {
		return domain.Review{}, domain.RecipeAggregate{}, errors.New("отзывы не настроены")
	}
	if review.Rating < domain.MinRating || review.Rating > domain.MaxRating {
		return domain.Review{}, domain.RecipeAggregate{}, domain.ErrInvalidRating
	}
	review.Content = strings.TrimSpace(review.Content)
	saved, res, err := r.deps.Reviews.CreateReview(ctx, review)
	if err != nil {
		return domain.Review{}, domain.RecipeAggregate{}, fmt.Errorf("сохранение отзыва: %w", err)
	}
	metrics.RatingsApplied.Inc()
	r.notify(res.Aggregate)
	return saved, res.Aggregate, nil
}

// ToggleBookmark переключает закладку пользователя.
//
// Связь и счётчик меняются одной транзакцией хранилища. Аренда лишь отсекает
// параллельные нажатия заранее: при недоступном Redis переключение всё равно
// выполняется, а само переключение ограничено сроком аренды.
func (r *Router) ToggleBookmark(ctx context.Context, ev domain.BookmarkToggled) (domain.BookmarkResult, error) {
	if ev.UserID == uuid.Nil {
		return domain.BookmarkResult{}, errors.New("закладка без пользователя")
	}
	release, err := r.acquireBookmark(ctx, ev)
	if err != nil {
		return domain.BookmarkResult{}, err
	}
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BookmarkLockTTL)
	defer cancel()
	bookmarked, res, err := r.deps.Bookmarks.ToggleBookmark(opCtx, ev.UserID, ev.RecipeID)
	if err != nil {
		return domain.BookmarkResult{}, fmt.Errorf("переключение закладки: %w", err)
	}
	if res.Clamped {
		metrics.DeltasClamped.Inc()
		r.log.Warn().
			Str("user_id", ev.UserID.String()).
			Str("recipe_id", ev.RecipeID.String()).
			Msg("engagement: счётчик закладок обрезан до нуля")
	}
	metrics.IncBookmarkToggle(bookmarked)
	return domain.BookmarkResult{Bookmarked: bookmarked, Recipe: res.Aggregate}, nil
}

func (r *Router) acquireBookmark(ctx context.Context, ev domain.BookmarkToggled) (func(), error) {
	noop := func() {}
	if r.deps.Locker == nil {
		return noop, nil
	}
	key := cache.BookmarkLockKey(ev.UserID, ev.RecipeID)
	lease, err := r.deps.Locker.Acquire(ctx, key, r.cfg.BookmarkLockTTL)
	switch {
	case errors.Is(err, domain.ErrLockBusy):
		return nil, domain.ErrBookmarkBusy
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		r.log.Warn().Err(err).Str("key", key).Msg("engagement: аренда закладки недоступна, переключаем без неё")
		return noop, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("engagement: не удалось освободить аренду закладки")
		}
	}, nil
}

func (r *Router) notify(recipe domain.RecipeAggregate) {
	if r.deps.Notifier == nil {
		return
	}
	r.dispatch("notify", r.cfg.NotifyTimeout, func(ctx context.Context) error {
		r.deps.Notifier.Publish(ctx, recipe)
		return nil
	})
}

func (r *Router) recordHistory(ev domain.ViewOccurred) {
	if r.deps.History == nil {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	r.dispatch("history", r.cfg.HistoryTimeout, func(ctx context.Context) error {
		r.deps.History.Record(ctx, ev.ActorID, ev.RecipeID, at)
		return nil
	})
}

// dispatch отдаёт задачу диспетчеру; без диспетчера задача выполняется синхронно.
func (r *Router) dispatch(name string, timeout time.Duration, fn async.Task) {
	if r.deps.Dispatcher != nil {
		r.deps.Dispatcher.Go(name, timeout, fn)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Warn().Err(err).Str("task", name).Msg("engagement: побочная задача завершилась ошибкой")
	}
}

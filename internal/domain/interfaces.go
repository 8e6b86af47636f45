package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AggregateStore атомарно применяет дельты к счётчикам рецепта.
// Реализация обязана выполнять изменение одной операцией хранилища и не опускать счётчики ниже нуля.
type AggregateStore interface {
	ApplyDelta(ctx context.Context, recipeID uuid.UUID, delta Delta) (DeltaResult, error)
}

// RecipeRepo отдаёт рецепты для входящих запросов.
type RecipeRepo interface {
	GetRecipe(ctx context.Context, id uuid.UUID) (RecipeAggregate, error)
	GetRecipeBySlug(ctx context.Context, slug string) (RecipeAggregate, error)
}

// BookmarkRepo управляет закладками.
type BookmarkRepo interface {
	// ToggleBookmark снимает или ставит закладку и в той же транзакции применяет
	// дельту bookmark_count. Возвращает новое состояние закладки и снимок агрегата.
	ToggleBookmark(ctx context.Context, userID, recipeID uuid.UUID) (bool, DeltaResult, error)
	HasBookmark(ctx context.Context, userID, recipeID uuid.UUID) (bool, error)
}

// HistorySink сохраняет записи истории просмотров.
type HistorySink interface {
	AppendHistory(ctx context.Context, record HistoryRecord) error
}

// ReviewRepo хранит отзывы.
type ReviewRepo interface {
	// CreateReview сохраняет отзыв и в той же транзакции засчитывает его оценку.
	// Повторный отзыв пользователя возвращает ErrAlreadyReviewed.
	CreateReview(ctx context.Context, review Review) (Review, DeltaResult, error)
	ListReviews(ctx context.Context, recipeID uuid.UUID, limit, offset int) ([]Review, error)
}

// DedupStore подавляет повторные события в пределах окна.
type DedupStore interface {
	// ShouldSuppress возвращает true, если для ключа есть неистёкшая запись.
	ShouldSuppress(ctx context.Context, key string) (bool, error)
	// MarkSeen безусловно записывает ключ с истечением через ttl.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
	// Claim атомарно проверяет и помечает ключ. true — событие первое в окне.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Locker выдаёт короткие аренды по ключу.
type Locker interface {
	// Acquire возвращает ErrLockBusy, если ключ занят.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease — удерживаемая аренда.
type Lease interface {
	Release(ctx context.Context) error
}

// Broadcaster публикует сообщения в широковещательный канал.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber выдаёт поток сообщений темы до отмены контекста.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// ChangeNotifier рассылает снимок рецепта после изменения. Ошибки не возвращаются.
type ChangeNotifier interface {
	Publish(ctx context.Context, recipe RecipeAggregate)
}

// HistoryRecorder фиксирует просмотр пользователя. Ошибки не возвращаются.
type HistoryRecorder interface {
	Record(ctx context.Context, userID, recipeID uuid.UUID, at time.Time)
}

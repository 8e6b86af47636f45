package domain

import (
	"time"

	"github.com/google/uuid"
)

// Field — счётчик агрегата рецепта, который можно изменить дельтой.
type Field string

const (
	// FieldViews — количество засчитанных просмотров.
	FieldViews Field = "views"
	// FieldRatingCount — количество оценок.
	FieldRatingCount Field = "rating_count"
	// FieldRatingSum — сумма оценок.
	FieldRatingSum Field = "rating_sum"
	// FieldBookmarks — количество закладок.
	FieldBookmarks Field = "bookmarks"
)

// Fields перечисляет все изменяемые счётчики в стабильном порядке.
var Fields = []Field{FieldViews, FieldRatingCount, FieldRatingSum, FieldBookmarks}

// Valid сообщает, известно ли поле.
func (f Field) Valid() bool {
	switch f {
	case FieldViews, FieldRatingCount, FieldRatingSum, FieldBookmarks:
		return true
	}
	return false
}

// Delta описывает набор изменений счётчиков, применяемых одной атомарной операцией.
type Delta map[Field]int64

// Empty сообщает, что дельта ничего не меняет.
func (d Delta) Empty() bool {
	for _, v := range d {
		if v != 0 {
			return false
		}
	}
	return true
}

// RecipeAggregate — часть рецепта, относящаяся к вовлечённости.
type RecipeAggregate struct {
	ID            uuid.UUID `json:"id"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	ViewCount     int64     `json:"views"`
	RatingCount   int64     `json:"rating_count"`
	RatingSum     int64     `json:"rating_sum"`
	BookmarkCount int64     `json:"bookmarks"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AverageRating возвращает среднюю оценку или 0, если оценок нет.
func (r RecipeAggregate) AverageRating() float64 {
	if r.RatingCount <= 0 {
		return 0
	}
	return float64(r.RatingSum) / float64(r.RatingCount)
}

// Counter возвращает значение счётчика по полю.
func (r RecipeAggregate) Counter(f Field) int64 {
	switch f {
	case FieldViews:
		return r.ViewCount
	case FieldRatingCount:
		return r.RatingCount
	case FieldRatingSum:
		return r.RatingSum
	case FieldBookmarks:
		return r.BookmarkCount
	}
	return 0
}

// DeltaResult — снимок агрегата после применения дельты.
type DeltaResult struct {
	Aggregate RecipeAggregate
	// Clamped выставляется, если хотя бы один счётчик ушёл бы в минус и был обрезан до нуля.
	Clamped bool
}

// BookmarkRelation — закладка пользователя на рецепт.
type BookmarkRelation struct {
	UserID    uuid.UUID
	RecipeID  uuid.UUID
	CreatedAt time.Time
}

// BookmarkResult — итог переключения закладки.
type BookmarkResult struct {
	Bookmarked bool            `json:"bookmarked"`
	Recipe     RecipeAggregate `json:"recipe"`
}

// HistoryRecord фиксирует просмотр рецепта авторизованным пользователем.
type HistoryRecord struct {
	UserID   uuid.UUID `json:"user_id"`
	RecipeID uuid.UUID `json:"recipe_id"`
	ViewedAt time.Time `json:"viewed_at"`
}

// Review — отзыв пользователя с оценкой.
type Review struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	RecipeID  uuid.UUID `json:"recipe_id"`
	Rating    int       `json:"rating"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// MinRating — минимально допустимая оценка.
	MinRating = 1
	// MaxRating — максимально допустимая оценка.
	MaxRating = 5
)

package domain

import "errors"

var (
	// ErrRecipeNotFound возвращается, если рецепт не существует.
	ErrRecipeNotFound = errors.New("рецепт не найден")
	// ErrAlreadyReviewed возвращается при повторном отзыве того же пользователя.
	ErrAlreadyReviewed = errors.New("пользователь уже оставил отзыв")
	// ErrInvalidRating возвращается для оценки вне диапазона.
	ErrInvalidRating = errors.New("некорректная оценка")
	// ErrBookmarkBusy возвращается, если закладку сейчас переключает другой запрос.
	ErrBookmarkBusy = errors.New("закладка уже переключается")
	// ErrLockNotHeld возвращается при освобождении чужой или истёкшей аренды.
	ErrLockNotHeld = errors.New("аренда не удерживается")
	// ErrCacheUnavailable возвращается, когда кэш недоступен или разомкнут предохранитель.
	ErrCacheUnavailable = errors.New("кэш недоступен")
	// ErrInvalidDelta возвращается для неизвестного поля в дельте.
	ErrInvalidDelta = errors.New("некорректная дельта")
)

// ErrLockBusy возвращается, если аренду держит другой владелец.
var ErrLockBusy = errors.New("аренда занята")

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ViewOccurred — просмотр рецепта.
type ViewOccurred struct {
	RecipeID uuid.UUID
	// OriginID — сетевой источник (IP клиента). Пустой источник означает неотслеживаемый запрос.
	OriginID string
	// ActorID — пользователь, если запрос авторизован; uuid.Nil для анонимов.
	ActorID uuid.UUID
	At      time.Time
}

// Attributed сообщает, что просмотр связан с пользователем.
func (e ViewOccurred) Attributed() bool {
	return e.ActorID != uuid.Nil
}

// RatingSubmitted — новая оценка рецепта.
type RatingSubmitted struct {
	RecipeID uuid.UUID
	Rating   int
}

// BookmarkToggled — запрос на переключение закладки.
type BookmarkToggled struct {
	RecipeID uuid.UUID
	UserID   uuid.UUID
}

// TopicRecipeUpdated — тема рассылки обновлений рецептов.
const TopicRecipeUpdated = "recipe.updated"

// RecipeUpdatedMessage — полезная нагрузка рассылки.
type RecipeUpdatedMessage struct {
	Type          string          `json:"type"`
	Recipe        RecipeAggregate `json:"recipe"`
	AverageRating float64         `json:"average_rating"`
}

// NewRecipeUpdatedMessage формирует сообщение для рассылки.
func NewRecipeUpdatedMessage(recipe RecipeAggregate) RecipeUpdatedMessage {
	return RecipeUpdatedMessage{Type: TopicRecipeUpdated, Recipe: recipe, AverageRating: recipe.AverageRating()}
}

package cache

import (
	"strings"

	"github.com/google/uuid"
)

const viewKeyPrefix = "view-recipe-"

// ViewKey строит ключ дедупликации просмотра.
// По умолчанию окно общее для источника; perRecipe сужает его до пары источник-рецепт.
func ViewKey(origin string, recipeID uuid.UUID, perRecipe bool) string {
	origin = strings.TrimSpace(origin)
	if perRecipe {
		return viewKeyPrefix + origin + ":" + recipeID.String()
	}
	return viewKeyPrefix + origin
}

// BookmarkLockKey строит ключ аренды для пары пользователь-рецепт.
func BookmarkLockKey(userID, recipeID uuid.UUID) string {
	return "lock:bookmark:" + userID.String() + ":" + recipeID.String()
}

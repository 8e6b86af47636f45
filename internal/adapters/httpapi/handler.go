package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"recipe-engagement/internal/domain"
	httpinfra "recipe-engagement/internal/infra/http"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Engagement — операции вовлечённости, доступные через HTTP.
type Engagement interface {
	View(ctx context.Context, ev domain.ViewOccurred) (bool, error)
	SubmitReview(ctx context.Context, review domain.Review) (domain.Review, domain.RecipeAggregate, error)
	ToggleBookmark(ctx context.Context, ev domain.BookmarkToggled) (domain.BookmarkResult, error)
}

// Reviews отдаёт отзывы рецепта.
type Reviews interface {
	ListReviews(ctx context.Context, recipeID uuid.UUID, limit, offset int) ([]domain.Review, error)
}

// History отдаёт историю просмотров пользователя.
type History interface {
	ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]domain.HistoryRecord, error)
}

// Handler — тонкий HTTP-слой поверх маршрутизатора событий.
type Handler struct {
	recipes    domain.RecipeRepo
	reviews    Reviews
	history    History
	engagement Engagement
	realtime   http.Handler
	log        zerolog.Logger
}

// NewHandler создаёт обработчики. history и realtime могут быть nil.
func NewHandler(recipes domain.RecipeRepo, reviews Reviews, history History, engagement Engagement, realtime http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{
		recipes:    recipes,
		reviews:    reviews,
		history:    history,
		engagement: engagement,
		realtime:   realtime,
		log:        logger,
	}
}

// Routes регистрирует маршруты.
func (h *Handler) Routes(r chi.Router, actorSecret string) {
	r.Group(func(r chi.Router) {
		r.Use(httpinfra.ActorMiddleware(actorSecret))

		r.Get("/api/v1/recipes/{slug}", h.getRecipe)
		r.Get("/api/v1/recipes/{slug}/reviews", h.listReviews)

		r.Group(func(r chi.Router) {
			r.Use(httpinfra.RequireActor)
			r.Post("/api/v1/recipes/{slug}/reviews", h.submitReview)
			r.Post("/api/v1/recipes/{slug}/bookmark", h.toggleBookmark)
			if h.history != nil {
				r.Get("/api/v1/me/history", h.listHistory)
			}
		})
	})
	if h.realtime != nil {
		r.Handle("/ws/recipes", h.realtime)
	}
}

type recipeResponse struct {
	domain.RecipeAggregate
	AverageRating float64 `json:"average_rating"`
}

func newRecipeResponse(r domain.RecipeAggregate) recipeResponse {
	return recipeResponse{RecipeAggregate: r, AverageRating: r.AverageRating()}
}

// getRecipe отдаёт рецепт и засчитывает просмотр. Ответ не зависит от исхода учёта.
func (h *Handler) getRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, ok := h.recipeBySlug(w, r)
	if !ok {
		return
	}
	counted, err := h.engagement.View(r.Context(), domain.ViewOccurred{
		RecipeID: recipe.ID,
		OriginID: httpinfra.ClientOrigin(r),
		ActorID:  httpinfra.ActorFromContext(r.Context()),
		At:       time.Now().UTC(),
	})
	if err != nil {
		h.log.Warn().Err(err).Str("recipe_id", recipe.ID.String()).Str("request_id", httpinfra.RequestID(r)).Msg("httpapi: просмотр не учтён")
	} else if counted {
		recipe.ViewCount++
	}
	httpinfra.WriteJSON(w, http.StatusOK, newRecipeResponse(recipe))
}

func (h *Handler) listReviews(w http.ResponseWriter, r *http.Request) {
	recipe, ok := h.recipeBySlug(w, r)
	if !ok {
		return
	}
	limit, offset, err := page(r)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	reviews, err := h.reviews.ListReviews(r.Context(), recipe.ID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if reviews == nil {
		reviews = []domain.Review{}
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"items": reviews, "limit": limit, "offset": offset})
}

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Content string `json:"content"`
}

type reviewResponse struct {
	Review domain.Review  `json:"review"`
	Recipe recipeResponse `json:"recipe"`
}

func (h *Handler) submitReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	recipe, ok := h.recipeBySlug(w, r)
	if !ok {
		return
	}
	review, updated, err := h.engagement.SubmitReview(r.Context(), domain.Review{
		UserID:   httpinfra.ActorFromContext(r.Context()),
		RecipeID: recipe.ID,
		Rating:   req.Rating,
		Content:  req.Content,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, reviewResponse{Review: review, Recipe: newRecipeResponse(updated)})
}

func (h *Handler) toggleBookmark(w http.ResponseWriter, r *http.Request) {
	recipe, ok := h.recipeBySlug(w, r)
	if !ok {
		return
	}
	res, err := h.engagement.ToggleBookmark(r.Context(), domain.BookmarkToggled{
		RecipeID: recipe.ID,
		UserID:   httpinfra.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, _, err := page(r)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	items, err := h.history.ListHistory(r.Context(), httpinfra.ActorFromContext(r.Context()), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []domain.HistoryRecord{}
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) recipeBySlug(w http.ResponseWriter, r *http.Request) (domain.RecipeAggregate, bool) {
	recipe, err := h.recipes.GetRecipeBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return domain.RecipeAggregate{}, false
	}
	return recipe, true
}

// fail переводит доменную ошибку в HTTP-статус.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrRecipeNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, domain.ErrRecipeNotFound)
	case errors.Is(err, domain.ErrAlreadyReviewed):
		httpinfra.WriteError(w, http.StatusConflict, domain.ErrAlreadyReviewed)
	case errors.Is(err, domain.ErrBookmarkBusy):
		httpinfra.WriteError(w, http.StatusConflict, domain.ErrBookmarkBusy)
	case errors.Is(err, domain.ErrInvalidRating):
		httpinfra.WriteError(w, http.StatusBadRequest, domain.ErrInvalidRating)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", httpinfra.RequestID(r)).Msg("httpapi: внутренняя ошибка")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("внутренняя ошибка"))
	}
}

func page(r *http.Request) (int, int, error) {
	limit, offset := defaultPageSize, 0
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("некорректный limit")
		}
		limit = min(v, maxPageSize)
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("некорректный offset")
		}
		offset = v
	}
	return limit, offset, nil
}

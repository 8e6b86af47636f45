package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AggregateStore = (*Postgres)(nil)
	_ domain.RecipeRepo     = (*Postgres)(nil)
	_ domain.BookmarkRepo   = (*Postgres)(nil)
	_ domain.HistorySink    = (*Postgres)(nil)
	_ domain.ReviewRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const recipeColumns = `id, slug, title, view_count, rating_count, rating_sum, bookmark_count, updated_at`

func scanRecipe(row pgx.Row) (domain.RecipeAggregate, error) {
	var r domain.RecipeAggregate
	err := row.Scan(&r.ID, &r.Slug, &r.Title, &r.ViewCount, &r.RatingCount, &r.RatingSum, &r.BookmarkCount, &r.UpdatedAt)
	return r, err
}

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// CreateRecipe заводит рецепт с нулевыми счётчиками.
func (p *Postgres) CreateRecipe(ctx context.Context, slug, title string) (domain.RecipeAggregate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.RecipeAggregate{}, errors.New("пустой slug рецепта")
	}
	start := time.Now()
	recipe, err := scanRecipe(p.pool.QueryRow(ctx, `
INSERT INTO recipes (id, slug, title)
VALUES ($1, $2, $3)
RETURNING `+recipeColumns, uuid.New(), slug, strings.TrimSpace(title)))
	metrics.ObserveNetworkRequest("postgres", "recipe_insert", "recipes", start, err)
	if err != nil {
		if code, _ := pgCode(err); code == pgUniqueViolation {
			return domain.RecipeAggregate{}, fmt.Errorf("рецепт %q уже существует: %w", slug, err)
		}
		return domain.RecipeAggregate{}, err
	}
	return recipe, nil
}

// GetRecipe реализует domain.RecipeRepo.
func (p *Postgres) GetRecipe(ctx context.Context, id uuid.UUID) (domain.RecipeAggregate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	recipe, err := scanRecipe(p.pool.QueryRow(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "recipe_select", "recipes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RecipeAggregate{}, domain.ErrRecipeNotFound
	}
	return recipe, err
}

// GetRecipeBySlug реализует domain.RecipeRepo.
func (p *Postgres) GetRecipeBySlug(ctx context.Context, slug string) (domain.RecipeAggregate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	recipe, err := scanRecipe(p.pool.QueryRow(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE slug = $1`, strings.TrimSpace(slug)))
	metrics.ObserveNetworkRequest("postgres", "recipe_select_slug", "recipes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RecipeAggregate{}, domain.ErrRecipeNotFound
	}
	return recipe, err
}

// ApplyDelta реализует domain.AggregateStore.
func (p *Postgres) ApplyDelta(ctx context.Context, recipeID uuid.UUID, delta domain.Delta) (domain.DeltaResult, error) {
	if err := validateDelta(delta); err != nil {
		return domain.DeltaResult{}, err
	}
	if delta.Empty() {
		recipe, err := p.GetRecipe(ctx, recipeID)
		return domain.DeltaResult{Aggregate: recipe}, err
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := applyDelta(ctx, p.pool, recipeID, delta)
	metrics.ObserveNetworkRequest("postgres", "aggregate_apply_delta", "recipes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DeltaResult{}, domain.ErrRecipeNotFound
	}
	if err != nil {
		return domain.DeltaResult{}, err
	}
	return res, nil
}

func validateDelta(delta domain.Delta) error {
	for field := range delta {
		if !field.Valid() {
			return fmt.Errorf("поле %q: %w", field, domain.ErrInvalidDelta)
		}
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// applyDelta меняет все поля одним UPDATE. Строка блокируется в CTE, поэтому prev
// видит последнюю зафиксированную версию, и флаг clamped вычисляется по тем же
// значениям, к которым применяется дельта.
func applyDelta(ctx context.Context, q rowQuerier, recipeID uuid.UUID, delta domain.Delta) (domain.DeltaResult, error) {
	args := []any{recipeID}
	for _, field := range domain.Fields {
		args = append(args, delta[field])
	}

	var res domain.DeltaResult
	r := &res.Aggregate
	err := q.QueryRow(ctx, `
WITH prev AS (
    SELECT id, view_count, rating_count, rating_sum, bookmark_count
    FROM recipes
    WHERE id = $1
    FOR UPDATE
)
UPDATE recipes AS r SET
    view_count     = GREATEST(prev.view_count + $2::bigint, 0),
    rating_count   = GREATEST(prev.rating_count + $3::bigint, 0),
    rating_sum     = GREATEST(prev.rating_sum + $4::bigint, 0),
    bookmark_count = GREATEST(prev.bookmark_count + $5::bigint, 0),
    updated_at     = now()
FROM prev
WHERE r.id = prev.id
RETURNING r.id, r.slug, r.title, r.view_count, r.rating_count, r.rating_sum, r.bookmark_count, r.updated_at,
    (prev.view_count + $2::bigint < 0
        OR prev.rating_count + $3::bigint < 0
        OR prev.rating_sum + $4::bigint < 0
        OR prev.bookmark_count + $5::bigint < 0) AS clamped
`, args...).Scan(&r.ID, &r.Slug, &r.Title, &r.ViewCount, &r.RatingCount, &r.RatingSum, &r.BookmarkCount, &r.UpdatedAt, &res.Clamped)
	return res, err
}

// ToggleBookmark реализует domain.BookmarkRepo.
//
// Строка рецепта блокируется первой, поэтому переключения одного рецепта
// выполняются по очереди, и связь с её дельтой фиксируются вместе.
func (p *Postgres) ToggleBookmark(ctx context.Context, userID, recipeID uuid.UUID) (bool, domain.DeltaResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		bookmarked bool
		res        domain.DeltaResult
	)
	start := time.Now()
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var locked uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT id FROM recipes WHERE id = $1 FOR UPDATE`, recipeID).Scan(&locked); err != nil {
			return err
		}

		delta := int64(-1)
		bookmarked = false
		tag, err := tx.Exec(ctx, `DELETE FROM bookmarks WHERE user_id = $1 AND recipe_id = $2`, userID, recipeID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			tag, err = tx.Exec(ctx, `
INSERT INTO bookmarks (user_id, recipe_id)
VALUES ($1, $2)
ON CONFLICT (user_id, recipe_id) DO NOTHING
`, userID, recipeID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrBookmarkBusy
			}
			delta = 1
			bookmarked = true
		}

		res, err = applyDelta(ctx, tx, recipeID, domain.Delta{domain.FieldBookmarks: delta})
		return err
	})
	metrics.ObserveNetworkRequest("postgres", "bookmark_toggle", "bookmarks", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.DeltaResult{}, domain.ErrRecipeNotFound
		}
		return false, domain.DeltaResult{}, err
	}
	return bookmarked, res, nil
}

// HasBookmark реализует domain.BookmarkRepo.
func (p *Postgres) HasBookmark(ctx context.Context, userID, recipeID uuid.UUID) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookmarks WHERE user_id = $1 AND recipe_id = $2)`, userID, recipeID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "bookmark_exists", "bookmarks", start, err)
	return exists, err
}

// AppendHistory реализует domain.HistorySink.
func (p *Postgres) AppendHistory(ctx context.Context, record domain.HistoryRecord) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if record.ViewedAt.IsZero() {
		record.ViewedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO view_history (user_id, recipe_id, viewed_at)
VALUES ($1, $2, $3)
`, record.UserID, record.RecipeID, record.ViewedAt)
	metrics.ObserveNetworkRequest("postgres", "history_insert", "view_history", start, err)
	if code, _ := pgCode(err); code == pgForeignKeyViolation {
		return domain.ErrRecipeNotFound
	}
	return err
}

// ListHistory возвращает последние просмотры пользователя, новые первыми.
func (p *Postgres) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]domain.HistoryRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, recipe_id, viewed_at
FROM view_history
WHERE user_id = $1
ORDER BY viewed_at DESC, id DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "history_select", "view_history", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		if err := rows.Scan(&rec.UserID, &rec.RecipeID, &rec.ViewedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateReview реализует domain.ReviewRepo.
// Отзыв и дельта rating_count/rating_sum фиксируются одной транзакцией.
func (p *Postgres) CreateReview(ctx context.Context, review domain.Review) (domain.Review, domain.DeltaResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if review.ID == uuid.Nil {
		review.ID = uuid.New()
	}
	var res domain.DeltaResult
	start := time.Now()
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO reviews (id, user_id, recipe_id, rating, content)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at
`, review.ID, review.UserID, review.RecipeID, review.Rating, review.Content).Scan(&review.CreatedAt)
		if err != nil {
			return err
		}
		res, err = applyDelta(ctx, tx, review.RecipeID, domain.Delta{
			domain.FieldRatingCount: 1,
			domain.FieldRatingSum:   int64(review.Rating),
		})
		return err
	})
	metrics.ObserveNetworkRequest("postgres", "review_insert", "reviews", start, err)
	if err != nil {
		switch code, constraint := pgCode(err); {
		case code == pgUniqueViolation && constraint == "reviews_user_recipe_key":
			return domain.Review{}, domain.DeltaResult{}, domain.ErrAlreadyReviewed
		case code == pgForeignKeyViolation, errors.Is(err, pgx.ErrNoRows):
			return domain.Review{}, domain.DeltaResult{}, domain.ErrRecipeNotFound
		}
		return domain.Review{}, domain.DeltaResult{}, err
	}
	return review, res, nil
}

// ListReviews реализует domain.ReviewRepo.
func (p *Postgres) ListReviews(ctx context.Context, recipeID uuid.UUID, limit, offset int) ([]domain.Review, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, recipe_id, rating, content, created_at
FROM reviews
WHERE recipe_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`, recipeID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "review_select", "reviews", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Review
	for rows.Next() {
		var r domain.Review
		if err := rows.Scan(&r.ID, &r.UserID, &r.RecipeID, &r.Rating, &r.Content, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package engagement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"recipe-engagement/internal/domain"
)

// memStore — атомарное хранилище агрегатов в памяти с обрезкой до нуля.
type memStore struct {
	mu      sync.Mutex
	recipes map[uuid.UUID]domain.RecipeAggregate
}

func newMemStore() *memStore {
	return &memStore{recipes: make(map[uuid.UUID]domain.RecipeAggregate)}
}

func (s *memStore) add(slug string) domain.RecipeAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := domain.RecipeAggregate{ID: uuid.New(), Slug: slug, Title: slug}
	s.recipes[r.ID] = r
	return r
}

func (s *memStore) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recipes[id]
	return ok
}

func (s *memStore) get(id uuid.UUID) domain.RecipeAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recipes[id]
}

func (s *memStore) ApplyDelta(_ context.Context, id uuid.UUID, delta domain.Delta) (domain.DeltaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipes[id]
	if !ok {
		return domain.DeltaResult{}, domain.ErrRecipeNotFound
	}
	clamped := false
	apply := func(v *int64, d int64) {
		*v += d
		if *v < 0 {
			*v = 0
			clamped = true
		}
	}
	apply(&r.ViewCount, delta[domain.FieldViews])
	apply(&r.RatingCount, delta[domain.FieldRatingCount])
	apply(&r.RatingSum, delta[domain.FieldRatingSum])
	apply(&r.BookmarkCount, delta[domain.FieldBookmarks])
	r.UpdatedAt = time.Now()
	s.recipes[id] = r
	return domain.DeltaResult{Aggregate: r, Clamped: clamped}, nil
}

type bookmarkKey struct {
	user, recipe uuid.UUID
}

// memBookmarks меняет связь и счётчик под одним мьютексом, как транзакция с блокировкой строки рецепта.
type memBookmarks struct {
	mu    sync.Mutex
	rows  map[bookmarkKey]struct{}
	store *memStore
	// between вызывается между сменой связи и дельтой счётчика.
	between func()
}

func newMemBookmarks(store *memStore) *memBookmarks {
	return &memBookmarks{rows: make(map[bookmarkKey]struct{}), store: store}
}

func (b *memBookmarks) ToggleBookmark(ctx context.Context, user, recipe uuid.UUID) (bool, domain.DeltaResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.store.has(recipe) {
		return false, domain.DeltaResult{}, domain.ErrRecipeNotFound
	}
	k := bookmarkKey{user, recipe}
	_, had := b.rows[k]
	delta := int64(1)
	if had {
		delete(b.rows, k)
		delta = -1
	} else {
		b.rows[k] = struct{}{}
	}
	if b.between != nil {
		b.between()
	}
	res, err := b.store.ApplyDelta(ctx, recipe, domain.Delta{domain.FieldBookmarks: delta})
	if err != nil {
		if had {
			b.rows[k] = struct{}{}
		} else {
			delete(b.rows, k)
		}
		return false, domain.DeltaResult{}, err
	}
	return !had, res, nil
}

func (b *memBookmarks) HasBookmark(_ context.Context, user, recipe uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rows[bookmarkKey{user, recipe}]
	return ok, nil
}

// seed кладёт закладку в обход счётчика.
func (b *memBookmarks) seed(user, recipe uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[bookmarkKey{user, recipe}] = struct{}{}
}

var errTransient = errors.New("connection reset by peer")

type memReviews struct {
	mu    sync.Mutex
	rows  []domain.Review
	store *memStore
	// failures — сколько ближайших вызовов откатятся с временной ошибкой.
	failures int
}

func newMemReviews(store *memStore) *memReviews {
	return &memReviews{store: store}
}

func (m *memReviews) CreateReview(ctx context.Context, review domain.Review) (domain.Review, domain.DeltaResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.UserID == review.UserID && r.RecipeID == review.RecipeID {
			return domain.Review{}, domain.DeltaResult{}, domain.ErrAlreadyReviewed
		}
	}
	if m.failures > 0 {
		m.failures--
		return domain.Review{}, domain.DeltaResult{}, errTransient
	}
	res, err := m.store.ApplyDelta(ctx, review.RecipeID, domain.Delta{
		domain.FieldRatingCount: 1,
		domain.FieldRatingSum:   int64(review.Rating),
	})
	if err != nil {
		return domain.Review{}, domain.DeltaResult{}, err
	}
	if review.ID == uuid.Nil {
		review.ID = uuid.New()
	}
	review.CreatedAt = time.Now()
	m.rows = append(m.rows, review)
	return review, res, nil
}

func (m *memReviews) ListReviews(_ context.Context, recipeID uuid.UUID, limit, offset int) ([]domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Review
	for _, r := range m.rows {
		if r.RecipeID == recipeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memReviews) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.RecipeAggregate
}

func (n *recordingNotifier) Publish(_ context.Context, recipe domain.RecipeAggregate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recipe)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *recordingNotifier) last() domain.RecipeAggregate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type historyCall struct {
	user, recipe uuid.UUID
	at           time.Time
}

type recordingHistory struct {
	mu    sync.Mutex
	calls []historyCall
}

func (h *recordingHistory) Record(_ context.Context, user, recipe uuid.UUID, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, historyCall{user: user, recipe: recipe, at: at})
}

func (h *recordingHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type failingBroadcaster struct{}

func (failingBroadcaster) Publish(context.Context, string, []byte) error {
	return context.DeadlineExceeded
}

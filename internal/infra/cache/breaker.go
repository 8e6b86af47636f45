package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"recipe-engagement/internal/domain"
)

// BreakerConfig задаёт параметры предохранителя.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// BreakerDedup оборачивает хранилище дедупликации предохранителем.
// Пока предохранитель разомкнут, вызовы не доходят до хранилища и завершаются ErrCacheUnavailable.
type BreakerDedup struct {
	next domain.DedupStore
	cb   *gobreaker.CircuitBreaker[bool]
}

var _ domain.DedupStore = (*BreakerDedup)(nil)

// NewBreaker создаёт обёртку.
func NewBreaker(next domain.DedupStore, cfg BreakerConfig, logger zerolog.Logger) *BreakerDedup {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	name := cfg.Name
	if name == "" {
		name = "dedup"
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("cache: состояние предохранителя изменилось")
		},
	}
	return &BreakerDedup{next: next, cb: gobreaker.NewCircuitBreaker[bool](settings)}
}

// State возвращает состояние предохранителя для мониторинга.
func (b *BreakerDedup) State() string {
	return b.cb.State().String()
}

// ShouldSuppress реализует domain.DedupStore.
func (b *BreakerDedup) ShouldSuppress(ctx context.Context, key string) (bool, error) {
	return b.execute(func() (bool, error) { return b.next.ShouldSuppress(ctx, key) })
}

// MarkSeen реализует domain.DedupStore.
func (b *BreakerDedup) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	_, err := b.execute(func() (bool, error) { return true, b.next.MarkSeen(ctx, key, ttl) })
	return err
}

// Claim реализует domain.DedupStore.
func (b *BreakerDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return b.execute(func() (bool, error) { return b.next.Claim(ctx, key, ttl) })
}

func (b *BreakerDedup) execute(fn func() (bool, error)) (bool, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false, fmt.Errorf("%s: %w", err.Error(), domain.ErrCacheUnavailable)
	}
	return res, err
}

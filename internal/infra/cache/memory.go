package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"recipe-engagement/internal/domain"
)

const defaultMemoryCapacity = 100_000

// MemoryDedup — хранилище дедупликации в памяти процесса для одиночного инстанса и dev-окружения.
//
// Истёкшие записи считаются отсутствующими при чтении и физически удаляются при
// переполнении или периодической очистке (Run). При заполнении живыми записями
// новые отметки отклоняются с ErrCacheUnavailable: вызывающий код в этом случае
// не засчитывает событие.
type MemoryDedup struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	capacity int
	now      func() time.Time
}

var _ domain.DedupStore = (*MemoryDedup)(nil)

// MemoryOption настраивает MemoryDedup.
type MemoryOption func(*MemoryDedup)

// WithCapacity ограничивает число ключей.
func WithCapacity(capacity int) MemoryOption {
	return func(m *MemoryDedup) {
		if capacity > 0 {
			m.capacity = capacity
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryDedup) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory создаёт хранилище в памяти.
func NewMemory(opts ...MemoryOption) *MemoryDedup {
	m := &MemoryDedup{
		entries:  make(map[string]time.Time),
		capacity: defaultMemoryCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ShouldSuppress реализует domain.DedupStore.
func (m *MemoryDedup) ShouldSuppress(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key, m.now()), nil
}

// MarkSeen реализует domain.DedupStore.
func (m *MemoryDedup) MarkSeen(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if _, exists := m.entries[key]; !exists {
		if err := m.reserveLocked(now); err != nil {
			return err
		}
	}
	m.entries[key] = now.Add(ttl)
	return nil
}

// Claim реализует domain.DedupStore.
func (m *MemoryDedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.liveLocked(key, now) {
		return false, nil
	}
	if _, exists := m.entries[key]; !exists {
		if err := m.reserveLocked(now); err != nil {
			return false, err
		}
	}
	m.entries[key] = now.Add(ttl)
	return true, nil
}

// Len возвращает число физически хранимых ключей, включая истёкшие.
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep удаляет истёкшие записи и возвращает их количество.
func (m *MemoryDedup) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

// Run периодически удаляет истёкшие записи до отмены контекста.
func (m *MemoryDedup) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *MemoryDedup) liveLocked(key string, now time.Time) bool {
	expiresAt, ok := m.entries[key]
	if !ok {
		return false
	}
	if !now.Before(expiresAt) {
		delete(m.entries, key)
		return false
	}
	return true
}

func (m *MemoryDedup) reserveLocked(now time.Time) error {
	if len(m.entries) < m.capacity {
		return nil
	}
	m.sweepLocked(now)
	if len(m.entries) >= m.capacity {
		return fmt.Errorf("memory dedup full (%d keys): %w", m.capacity, domain.ErrCacheUnavailable)
	}
	return nil
}

func (m *MemoryDedup) sweepLocked(now time.Time) int {
	removed := 0
	for key, expiresAt := range m.entries {
		if !now.Before(expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Package memory provides in-process work item, lock and counter storages
// that mirror the badger implementations without touching disk.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/revisor/internal/interfaces"
)

type counterEntry struct {
	value     []byte
	expiresAt time.Time
}

// CounterStorage is a mutex-guarded CounterStorage with TTL expiry
type CounterStorage struct {
	mu      sync.Mutex
	entries map[string]counterEntry
	now     func() time.Time
}

// NewCounterStorage creates an empty in-memory counter store
func NewCounterStorage() *CounterStorage {
	return &CounterStorage{
		entries: make(map[string]counterEntry),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for TTL expiry
func (s *CounterStorage) WithClock(now func() time.Time) *CounterStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *CounterStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *CounterStorage) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	if entry, ok := s.live(key); ok {
		current = append([]byte(nil), entry.value...)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	entry := counterEntry{value: append([]byte(nil), next...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *CounterStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// live returns the entry for key if it has not expired. Caller holds mu.
func (s *CounterStorage) live(key string) (counterEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return counterEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return counterEntry{}, false
	}
	return entry, true
}

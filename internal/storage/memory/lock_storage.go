package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// LockStorage is a mutex-guarded LockStorage
type LockStorage struct {
	mu    sync.Mutex
	locks map[string]models.RunLock
	now   func() time.Time
}

// NewLockStorage creates an empty in-memory lock store
func NewLockStorage() *LockStorage {
	return &LockStorage{
		locks: make(map[string]models.RunLock),
		now:   time.Now,
	}
}

// WithClock replaces the time source used for TTL expiry
func (s *LockStorage) WithClock(now func() time.Time) *LockStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *LockStorage) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (*models.RunLock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.locks[key]; ok && !existing.Expired(now) {
		holder := existing
		return &holder, false, nil
	}

	lock := models.RunLock{Key: key, Owner: owner, AcquiredAt: now, HeldUntil: now.Add(ttl)}
	s.locks[key] = lock
	return &lock, true, nil
}

func (s *LockStorage) Release(ctx context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if !ok || existing.Owner != owner {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *LockStorage) Get(ctx context.Context, key string) (*models.RunLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if !ok || existing.Expired(s.now()) {
		return nil, interfaces.ErrKeyNotFound
	}
	return &existing, nil
}

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// LockStorage implements the LockStorage interface on raw badger keys.
// Entries carry a native TTL so a crashed holder's lock disappears on its own.
type LockStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewLockStorage creates a new LockStorage instance
func NewLockStorage(db *BadgerDB, logger arbor.ILogger) *LockStorage {
	return &LockStorage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func lockKey(key string) []byte {
	return []byte("revisor:lock:" + key)
}

// TryAcquire takes the lock for owner. Concurrent callers race inside badger
// transactions; the loser sees ErrConflict and reports the lock as taken.
func (s *LockStorage) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (*models.RunLock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	now := s.now()
	lock := &models.RunLock{
		Key:        key,
		Owner:      owner,
		AcquiredAt: now,
		HeldUntil:  now.Add(ttl),
	}

	var holder *models.RunLock
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		existing, err := readLock(txn, key)
		if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			return err
		}
		if existing != nil && !existing.Expired(now) {
			holder = existing
			return nil
		}

		data, err := json.Marshal(lock)
		if err != nil {
			return fmt.Errorf("failed to marshal lock: %w", err)
		}
		return txn.SetEntry(badger.NewEntry(lockKey(key), data).WithTTL(ttl))
	})

	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug().Str("lock", key).Msg("Lock acquisition lost a transaction race")
		current, getErr := s.Get(ctx, key)
		if getErr != nil {
			return nil, false, nil
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if holder != nil {
		return holder, false, nil
	}
	return lock, true, nil
}

// Release deletes the lock only while owner still holds it
func (s *LockStorage) Release(ctx context.Context, key, owner string) (bool, error) {
	released := false
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		existing, err := readLock(txn, key)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Owner != owner {
			return nil
		}
		released = true
		return txn.Delete(lockKey(key))
	})
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return released, nil
}

func (s *LockStorage) Get(ctx context.Context, key string) (*models.RunLock, error) {
	var lock *models.RunLock
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		var err error
		lock, err = readLock(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if lock.Expired(s.now()) {
		return nil, interfaces.ErrKeyNotFound
	}
	return lock, nil
}

func readLock(txn *badger.Txn, key string) (*models.RunLock, error) {
	item, err := txn.Get(lockKey(key))
	if err == badger.ErrKeyNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	var lock models.RunLock
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &lock)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode lock %s: %w", key, err)
	}
	return &lock, nil
}

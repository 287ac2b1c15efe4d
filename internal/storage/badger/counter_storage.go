package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/interfaces"
)

// maxConflictRetries bounds optimistic retries of a counter update
const maxConflictRetries = 5

// CounterStorage implements the CounterStorage interface on raw badger keys
type CounterStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCounterStorage creates a new CounterStorage instance
func NewCounterStorage(db *BadgerDB, logger arbor.ILogger) *CounterStorage {
	return &CounterStorage{
		db:     db,
		logger: logger,
	}
}

func counterKey(key string) []byte {
	return []byte("revisor:counter:" + key)
}

func (s *CounterStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return value, nil
}

// Update applies fn inside a read-write transaction, retrying on write conflicts
func (s *CounterStorage) Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		err := s.db.Badger().Update(func(txn *badger.Txn) error {
			var current []byte
			item, err := txn.Get(counterKey(key))
			switch {
			case err == nil:
				if current, err = item.ValueCopy(nil); err != nil {
					return err
				}
			case err != badger.ErrKeyNotFound:
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			entry := badger.NewEntry(counterKey(key), next)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})

		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("failed to update counter %s: %w", key, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug().Str("counter", key).Int("attempt", attempt).Msg("Counter update conflict, retrying")
	}
	return fmt.Errorf("failed to update counter %s: %w", key, badger.ErrConflict)
}

func (s *CounterStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		return txn.Delete(counterKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete counter %s: %w", key, err)
	}
	return nil
}

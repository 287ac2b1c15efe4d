package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

// Locker hands out per-pipeline run leases backed by LockStorage
type Locker struct {
	storage interfaces.LockStorage
	ttl     time.Duration
	logger  arbor.ILogger
}

// Lease is a held run lock. Release it exactly once.
type Lease struct {
	Lock   *models.RunLock
	locker *Locker
}

// NewLocker creates a locker whose leases expire after ttl
func NewLocker(storage interfaces.LockStorage, ttl time.Duration, logger arbor.ILogger) *Locker {
	return &Locker{
		storage: storage,
		ttl:     ttl,
		logger:  logger,
	}
}

// TTL returns the lease lifetime
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// Acquire tries to take the run lock for pipeline. When another owner holds it the
// returned lease is nil and holder describes the current owner.
func (l *Locker) Acquire(ctx context.Context, pipeline string) (lease *Lease, holder *models.RunLock, err error) {
	owner := common.NewLockOwner()
	lock, acquired, err := l.storage.TryAcquire(ctx, key(pipeline), owner, l.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire run lock for %s: %w", pipeline, err)
	}
	if !acquired {
		return nil, lock, nil
	}

	l.logger.Debug().
		Str("pipeline", pipeline).
		Str("owner", owner).
		Str("held_until", lock.HeldUntil.Format(time.RFC3339)).
		Msg("Run lock acquired")
	return &Lease{Lock: lock, locker: l}, nil, nil
}

// Holder returns the live lock for pipeline, or nil when it is free
func (l *Locker) Holder(ctx context.Context, pipeline string) (*models.RunLock, error) {
	lock, err := l.storage.Get(ctx, key(pipeline))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run lock for %s: %w", pipeline, err)
	}
	return lock, nil
}

// Release gives the lock back. Releasing a lease that already expired and was taken
// over by another owner is logged and is not an error.
func (s *Lease) Release(ctx context.Context) error {
	released, err := s.locker.storage.Release(ctx, s.Lock.Key, s.Lock.Owner)
	if err != nil {
		return fmt.Errorf("failed to release run lock %s: %w", s.Lock.Key, err)
	}
	if !released {
		s.locker.logger.Warn().
			Str("key", s.Lock.Key).
			Str("owner", s.Lock.Owner).
			Msg("Run lock was no longer held at release")
	}
	return nil
}

func key(pipeline string) string {
	return "run:" + pipeline
}

package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	workItem *WorkItemStorage
	lock     *LockStorage
	counter  *CounterStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		workItem: NewWorkItemStorage(db, logger),
		lock:     NewLockStorage(db, logger),
		counter:  NewCounterStorage(db, logger),
		logger:   logger,
	}

	logger.Debug().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// WorkItemStorage returns the work item storage interface
func (m *Manager) WorkItemStorage() interfaces.WorkItemStorage {
	return m.workItem
}

// LockStorage returns the run lock storage interface
func (m *Manager) LockStorage() interfaces.LockStorage {
	return m.lock
}

// CounterStorage returns the counter storage interface
func (m *Manager) CounterStorage() interfaces.CounterStorage {
	return m.counter
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Debug().Msg("Closing Badger database")
		return m.db.Close()
	}
	return nil
}

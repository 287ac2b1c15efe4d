package badger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// lockRetryInterval is the pause between attempts on a held directory lock
const lockRetryInterval = 200 * time.Millisecond

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := openStore(logger, options, config)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// openStore retries while another process holds the directory lock. Badger allows
// one process per directory, so a held lock past the open timeout is ErrStoreBusy.
func openStore(logger arbor.ILogger, options badgerhold.Options, config *common.BadgerConfig) (*badgerhold.Store, error) {
	timeout := config.OpenTimeoutDuration()
	deadline := time.Now().Add(timeout)

	for attempt := 1; ; attempt++ {
		store, err := badgerhold.Open(options)
		if err == nil {
			return store, nil
		}
		if !isDirectoryLocked(err) {
			return nil, fmt.Errorf("failed to open badger database: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s still locked after %s: %v", interfaces.ErrStoreBusy, config.Path, timeout, err)
		}
		if attempt == 1 {
			logger.Info().Str("path", config.Path).Str("open_timeout", timeout.String()).Msg("Badger database is locked by another process, waiting")
		}
		time.Sleep(min(lockRetryInterval, remaining))
	}
}

func isDirectoryLocked(err error) bool {
	return strings.Contains(err.Error(), "Cannot acquire directory lock")
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw badger database used for TTL-bound keys
func (b *BadgerDB) Badger() *badger.DB {
	return b.store.Badger()
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

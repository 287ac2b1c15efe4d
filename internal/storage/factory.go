package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/storage/badger"
)

// NewStorageManager opens the Badger-backed storage manager described by config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	if config.Storage.Badger.Path == "" {
		return nil, fmt.Errorf("storage.badger.path is required")
	}
	return badger.NewManager(logger, &config.Storage.Badger)
}

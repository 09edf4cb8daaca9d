package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/maxpert/backupd/interfaces"
)

// StorageBackend represents the supported storage backends
type StorageBackend string

const (
	BackendMemory StorageBackend = "memory"
	BackendBadger StorageBackend = "badger"
)

// StorageFactory creates the history store described by configuration
type StorageFactory struct {
	config    interfaces.StorageConfig
	retention time.Duration
}

// NewStorageFactory creates a new storage factory. retention, when positive,
// is applied as a TTL by backends that support one.
func NewStorageFactory(config interfaces.StorageConfig, retention time.Duration) *StorageFactory {
	return &StorageFactory{
		config:    config,
		retention: retention,
	}
}

// CreateHistoryStore creates a HistoryStore implementation based on configuration
func (f *StorageFactory) CreateHistoryStore() (interfaces.HistoryStore, error) {
	backend := StorageBackend(f.config.Backend)

	switch backend {
	case BackendMemory, "":
		return NewMemoryHistoryStore(), nil

	case BackendBadger:
		if f.config.InMemory {
			return NewBadgerHistoryStore("", true, f.retention)
		}

		path := f.config.Path
		if path == "" {
			path = "./data"
		}
		return NewBadgerHistoryStore(filepath.Join(path, "history"), false, f.retention)

	default:
		return nil, fmt.Errorf("unsupported history store backend: %s", backend)
	}
}

// ValidateBackend checks if the specified storage backend is supported
func ValidateBackend(backend string) error {
	switch StorageBackend(backend) {
	case BackendMemory, BackendBadger:
		return nil
	default:
		return fmt.Errorf("unsupported storage backend: %s (supported: %s, %s)",
			backend, BackendMemory, BackendBadger)
	}
}

// GetSupportedBackends returns a list of supported storage backends
func GetSupportedBackends() []string {
	return []string{string(BackendMemory), string(BackendBadger)}
}

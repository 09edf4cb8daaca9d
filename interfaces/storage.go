package interfaces

import (
	"errors"
	"time"

	"github.com/maxpert/backupd/protocol"
)

// Common storage errors
var (
	ErrRecordNotFound = errors.New("history record not found")
	ErrStoreClosed    = errors.New("history store closed")
)

// HistoryStore persists finished command records for diagnostics
type HistoryStore interface {
	// Append stores a finished record
	Append(record protocol.HistoryRecord) error

	// Get retrieves a record by message id
	Get(id string) (*protocol.HistoryRecord, error)

	// Recent returns up to limit records, newest first
	Recent(limit int) ([]protocol.HistoryRecord, error)

	// PruneBefore deletes records finished before cutoff and returns the count
	PruneBefore(cutoff time.Time) (int, error)

	// Count returns the number of stored records
	Count() (int, error)

	// Close releases the store
	Close() error
}

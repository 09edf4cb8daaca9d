package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// MemoryHistoryStore implements HistoryStore in memory
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	records []protocol.HistoryRecord // ordered by FinishedAt
	index   map[string]int
	closed  bool
}

// NewMemoryHistoryStore creates a new MemoryHistoryStore instance
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		index: make(map[string]int),
	}
}

func (m *MemoryHistoryStore) Append(record protocol.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return interfaces.ErrStoreClosed
	}

	if i, ok := m.index[record.ID]; ok {
		m.records = append(m.records[:i], m.records[i+1:]...)
	}

	// keep finish order; equal timestamps keep arrival order
	pos := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].FinishedAt.After(record.FinishedAt)
	})
	m.records = append(m.records, protocol.HistoryRecord{})
	copy(m.records[pos+1:], m.records[pos:])
	m.records[pos] = record
	m.reindex()
	return nil
}

func (m *MemoryHistoryStore) Get(id string) (*protocol.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, interfaces.ErrStoreClosed
	}
	i, ok := m.index[id]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	record := m.records[i]
	return &record, nil
}

func (m *MemoryHistoryStore) Recent(limit int) ([]protocol.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, interfaces.ErrStoreClosed
	}
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	out := make([]protocol.HistoryRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryHistoryStore) PruneBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, interfaces.ErrStoreClosed
	}

	n := sort.Search(len(m.records), func(i int) bool {
		return !m.records[i].FinishedAt.Before(cutoff)
	})
	if n == 0 {
		return 0, nil
	}
	m.records = append([]protocol.HistoryRecord(nil), m.records[n:]...)
	m.reindex()
	return n, nil
}

func (m *MemoryHistoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, interfaces.ErrStoreClosed
	}
	return len(m.records), nil
}

func (m *MemoryHistoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	m.index = nil
	return nil
}

func (m *MemoryHistoryStore) reindex() {
	clear(m.index)
	for i, r := range m.records {
		m.index[r.ID] = i
	}
}

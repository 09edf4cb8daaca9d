package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

func historyStores(t *testing.T) map[string]interfaces.HistoryStore {
	t.Helper()

	badgerMem, err := NewBadgerHistoryStore("", true, 0)
	require.NoError(t, err)

	badgerDisk, err := NewBadgerHistoryStore(t.TempDir(), false, 0)
	require.NoError(t, err)

	stores := map[string]interfaces.HistoryStore{
		"memory":           NewMemoryHistoryStore(),
		"badger-in-memory": badgerMem,
		"badger-disk":      badgerDisk,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func record(id string, finished time.Time) protocol.HistoryRecord {
	return protocol.HistoryRecord{
		ID:         id,
		Operation:  protocol.OperationBackup,
		Status:     protocol.MessageCompleted.String(),
		Attempts:   1,
		EnqueuedAt: finished.Add(-time.Minute),
		StartedAt:  finished.Add(-30 * time.Second),
		FinishedAt: finished,
	}
}

func TestHistoryStoreAppendAndGet(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range historyStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := record("msg-1", base)
			rec.ExitStatus = 3
			rec.ErrorKind = "remote"
			rec.ErrorMessage = "repository locked"
			require.NoError(t, store.Append(rec))

			got, err := store.Get("msg-1")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, 3, got.ExitStatus)
			assert.Equal(t, "repository locked", got.ErrorMessage)
			assert.True(t, rec.FinishedAt.Equal(got.FinishedAt))

			_, err = store.Get("missing")
			assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

			count, err := store.Count()
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestHistoryStoreRecentNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range historyStores(t) {
		t.Run(name, func(t *testing.T) {
			// appended out of order on purpose
			for _, i := range []int{2, 0, 4, 1, 3} {
				require.NoError(t, store.Append(record(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Second))))
			}

			recent, err := store.Recent(3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, "msg-4", recent[0].ID)
			assert.Equal(t, "msg-3", recent[1].ID)
			assert.Equal(t, "msg-2", recent[2].ID)

			all, err := store.Recent(0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestHistoryStoreReplaceKeepsOneRecord(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range historyStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append(record("msg-1", base)))
			updated := record("msg-1", base.Add(time.Hour))
			updated.Attempts = 2
			require.NoError(t, store.Append(updated))

			count, err := store.Count()
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			got, err := store.Get("msg-1")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Attempts)
		})
	}
}

func TestHistoryStorePruneBefore(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range historyStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 6; i++ {
				require.NoError(t, store.Append(record(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Minute))))
			}

			pruned, err := store.PruneBefore(base.Add(3 * time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 3, pruned)

			count, err := store.Count()
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			_, err = store.Get("msg-0")
			assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
			_, err = store.Get("msg-3")
			assert.NoError(t, err)

			pruned, err = store.PruneBefore(base)
			require.NoError(t, err)
			assert.Zero(t, pruned)
		})
	}
}

func TestHistoryStoreClosed(t *testing.T) {
	for name, store := range historyStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Close())
			require.NoError(t, store.Close())

			assert.ErrorIs(t, store.Append(record("x", time.Now())), interfaces.ErrStoreClosed)
			_, err := store.Recent(1)
			assert.ErrorIs(t, err, interfaces.ErrStoreClosed)
		})
	}
}

func TestStorageFactory(t *testing.T) {
	store, err := NewStorageFactory(interfaces.StorageConfig{Backend: "memory"}, 0).CreateHistoryStore()
	require.NoError(t, err)
	assert.IsType(t, &MemoryHistoryStore{}, store)
	store.Close()

	store, err = NewStorageFactory(interfaces.StorageConfig{Backend: "badger", Path: t.TempDir()}, time.Hour).CreateHistoryStore()
	require.NoError(t, err)
	assert.IsType(t, &BadgerHistoryStore{}, store)
	store.Close()

	_, err = NewStorageFactory(interfaces.StorageConfig{Backend: "etcd"}, 0).CreateHistoryStore()
	assert.Error(t, err)

	assert.NoError(t, ValidateBackend("badger"))
	assert.Error(t, ValidateBackend("sqlite"))
	assert.ElementsMatch(t, []string{"memory", "badger"}, GetSupportedBackends())
}

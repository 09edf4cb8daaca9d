package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

var (
	historyPrefix      = []byte("history:")
	historyIndexPrefix = []byte("history_id:")
)

// BadgerHistoryStore implements HistoryStore using Badger database.
//
// Keys:
//
//	history:<finished unix nanos, 8 bytes big endian>:<id>  -> CBOR record
//	history_id:<id>                                         -> primary key
//
// Big-endian timestamps make key order equal finish order, so Recent is a
// reverse prefix scan and PruneBefore a forward scan that stops at the cutoff.
type BadgerHistoryStore struct {
	db     *badger.DB
	ttl    time.Duration
	closed atomic.Bool
}

// NewBadgerHistoryStore opens a store at dbPath, or a purely in-memory store
// when inMemory is set. A positive ttl expires records automatically.
func NewBadgerHistoryStore(dbPath string, inMemory bool, ttl time.Duration) (*BadgerHistoryStore, error) {
	opts := badger.DefaultOptions(dbPath)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable badger's default logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerHistoryStore{db: db, ttl: ttl}, nil
}

func (b *BadgerHistoryStore) Append(record protocol.HistoryRecord) error {
	if b.closed.Load() {
		return interfaces.ErrStoreClosed
	}

	data, err := protocol.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	key := b.recordKey(record.FinishedAt, record.ID)

	return b.db.Update(func(txn *badger.Txn) error {
		// replacing a record must drop its old primary key
		if old, err := b.primaryKey(txn, record.ID); err == nil && !bytes.Equal(old, key) {
			if err := txn.Delete(old); err != nil {
				return err
			}
		}

		entry := badger.NewEntry(key, data)
		index := badger.NewEntry(b.indexKey(record.ID), key)
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
			index = index.WithTTL(b.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		return txn.SetEntry(index)
	})
}

func (b *BadgerHistoryStore) Get(id string) (*protocol.HistoryRecord, error) {
	if b.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}

	var record *protocol.HistoryRecord
	err := b.db.View(func(txn *badger.Txn) error {
		key, err := b.primaryKey(txn, id)
		if err != nil {
			return err
		}

		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return interfaces.ErrRecordNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			record = &protocol.HistoryRecord{}
			return protocol.Unmarshal(val, record)
		})
	})

	return record, err
}

func (b *BadgerHistoryStore) Recent(limit int) ([]protocol.HistoryRecord, error) {
	if b.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}

	var records []protocol.HistoryRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = historyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), historyPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(historyPrefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var record protocol.HistoryRecord
				if err := protocol.Unmarshal(val, &record); err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return records, err
}

func (b *BadgerHistoryStore) PruneBefore(cutoff time.Time) (int, error) {
	if b.closed.Load() {
		return 0, interfaces.ErrStoreClosed
	}

	bound := b.recordKey(cutoff, "")
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = historyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(historyPrefix); it.ValidForPrefix(historyPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.Compare(key, bound) >= 0 {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(b.indexKey(recordID(key))); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return len(keys), nil
}

func (b *BadgerHistoryStore) Count() (int, error) {
	if b.closed.Load() {
		return 0, interfaces.ErrStoreClosed
	}

	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = historyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (b *BadgerHistoryStore) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerHistoryStore) primaryKey(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(b.indexKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, interfaces.ErrRecordNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (b *BadgerHistoryStore) recordKey(finished time.Time, id string) []byte {
	key := make([]byte, 0, len(historyPrefix)+9+len(id))
	key = append(key, historyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(finished.UnixNano()))
	key = append(key, ':')
	return append(key, id...)
}

func (b *BadgerHistoryStore) indexKey(id string) []byte {
	return append(append([]byte(nil), historyIndexPrefix...), id...)
}

func recordID(key []byte) string {
	return string(key[len(historyPrefix)+9:])
}

// Package statestore persists the one credential blob a Session needs
// to resume without re-handshaking: the auth_key and session_id pair
// (spec.md §6). It is a thin, snappy-compressed wrapper over an
// embedded BadgerDB instance rather than the teacher's full
// ethdb.Database surface (Tx/Batch), since a single small record never
// needs transactions or batched writes beyond what badger.DB already
// gives us for free.
package statestore

import (
	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/options"
	"github.com/golang/snappy"
)

// Store is a key-value handle over one Badger directory.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger instance rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.ValueDir = dir
	opts.TableLoadingMode = options.MemoryMap
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put writes value under key inside its own transaction, snappy-
// compressed the way the teacher's ethdb.BadgerDB compresses every
// value before it hits disk.
func (s *Store) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, snappy.Encode(nil, value))
	})
}

// Get returns the value previously stored under key, or
// badger.ErrKeyNotFound if none exists.
func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			decoded, err := snappy.Decode(nil, v)
			if err != nil {
				return err
			}
			out = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying Badger handle.
func (s *Store) Close() error {
	return s.db.Close()
}

package imagestore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/strand/internal/types"
)

// Badger keys are the image ID behind a one-byte prefix.
const prefixImage = byte('i')

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB

	// mu orders Close against in-flight operations.
	mu     sync.RWMutex
	closed bool
}

func openBadger(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(2).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func imageKey(id types.ImageID) []byte {
	key := make([]byte, 1+types.ImageIDSize)
	key[0] = prefixImage
	copy(key[1:], id[:])
	return key
}

// Put implements Store.
func (s *BadgerStore) Put(raw []byte) (types.ImageID, error) {
	if len(raw) == 0 {
		return types.ImageID{}, ErrEmptyImage
	}
	id := types.ComputeImageID(raw)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return id, ErrClosed
	}

	key := imageKey(id)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, encodeRecord(raw, time.Now()))
	})
	if err != nil {
		return id, fmt.Errorf("put image %s: %w", id.Short(), err)
	}
	return id, nil
}

// Get implements Store.
func (s *BadgerStore) Get(id types.ImageID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rec []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(imageKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(id, rec)
}

// List implements Store.
func (s *BadgerStore) List() ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var infos []Info
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixImage}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id, err := types.ImageIDFromBytes(item.Key()[1:])
			if err != nil {
				return err
			}
			err = item.Value(func(v []byte) error {
				info, err := recordInfo(id, v)
				if err != nil {
					return err
				}
				infos = append(infos, info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return infos, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

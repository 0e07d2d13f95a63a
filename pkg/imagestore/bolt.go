package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/strand/internal/types"
)

var bucketImages = []byte("images")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

func openBolt(cfg Config) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  !cfg.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketImages)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Put implements Store.
func (s *BoltStore) Put(raw []byte) (types.ImageID, error) {
	if len(raw) == 0 {
		return types.ImageID{}, ErrEmptyImage
	}
	id := types.ComputeImageID(raw)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return id, ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b.Get(id[:]) != nil {
			return nil
		}
		return b.Put(id[:], encodeRecord(raw, time.Now()))
	})
	if err != nil {
		return id, fmt.Errorf("put image %s: %w", id.Short(), err)
	}
	return id, nil
}

// Get implements Store.
func (s *BoltStore) Get(id types.ImageID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rec []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		rec = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(id, rec)
}

// List implements Store.
func (s *BoltStore) List() ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var infos []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			id, err := types.ImageIDFromBytes(k)
			if err != nil {
				return err
			}
			info, err := recordInfo(id, v)
			if err != nil {
				return err
			}
			infos = append(infos, info)
			return nil
		})
	})
	return infos, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

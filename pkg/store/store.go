// Package store implements the persistent blob store: a key->bytes store,
// namespaced per database, used to save the serialized engine state and
// small metadata records. It is backed by a single bbolt file with one
// bucket per namespace, the way cuemby-warren's storage layer keeps one
// bucket per entity type.
package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Store is a namespaced key->bytes store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Get returns the bytes stored under key in namespace ns, or nil if absent.
func (s *Store) Get(ns, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", ns, key, err)
	}
	return out, nil
}

// Put writes value under key in namespace ns, creating the namespace
// bucket on first use. Create and overwrite share this one method, the
// same upsert pattern cuemby-warren's storage layer uses for its entities.
func (s *Store) Put(ns, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", ns, key, err)
	}
	return nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

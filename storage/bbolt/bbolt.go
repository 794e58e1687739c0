// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/storage"
	"go.etcd.io/bbolt"
)

// DefaultOpenTimeout bounds how long one operation waits for the file lock
// held by another process sharing the same credential file.
const DefaultOpenTimeout = 5 * time.Second

// Store implements storage.Repository backed by a BBolt database.
// Each namespace is a bucket; keys map to JSON-encoded envelopes.
//
// A Store created by NewRepositoryFromFile opens the file for each operation
// and closes it afterwards, so the BBolt file lock is held only for the
// duration of one transaction and any number of processes can share the
// file. Reads take the shared lock; writes take the exclusive one.
type Store struct {
	// db is set when the caller supplied an open database.
	db *bbolt.DB

	path    string
	options bbolt.Options
	mu      sync.Mutex
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database. The
// database stays open, and locked, until the caller closes it.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile returns a Repository over the BBolt file at path,
// creating it if needed. The file is not kept open between operations.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	s := &Store{path: path, options: bbolt.Options{Timeout: DefaultOpenTimeout}}
	if options != nil {
		s.options = *options
	}
	// Create the file up front so read-only opens can succeed.
	if err := s.with(false, func(*bbolt.DB) error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes a database supplied to NewRepository. It is a no-op for a
// file-backed Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// with runs fn against an open database. For a file-backed Store the file is
// opened, read-only when readOnly is set, and closed once fn returns.
func (s *Store) with(readOnly bool, fn func(*bbolt.DB) error) error {
	if s.db != nil {
		return fn(s.db)
	}
	// Goroutines of one process would otherwise contend on the file lock
	// and wait out the timeout.
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.options
	opts.ReadOnly = readOnly
	db, err := bbolt.Open(s.path, 0600, &opts)
	if err != nil {
		return fmt.Errorf("opening bbolt db: %w", err)
	}
	err = fn(db)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing bbolt db: %w", cerr)
	}
	return err
}

func (s *Store) Put(namespace, key string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.with(false, func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte(namespace))
			if err != nil {
				return err
			}
			return b.Put([]byte(key), data)
		})
	})
}

func (s *Store) Get(namespace, key string) (*storage.Envelope, error) {
	var envelope *storage.Envelope
	err := s.with(true, func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			var err error
			envelope, err = getInBucket(tx.Bucket([]byte(namespace)), key)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if envelope == nil {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return envelope, nil
}

func (s *Store) List(namespace string) ([]string, error) {
	var keys []string
	err := s.with(true, func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(namespace))
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			})
		})
	})
	return keys, err
}

// Update runs fn inside a single read-write transaction. BBolt serialises
// writers through the exclusive file lock, so the read-modify-write is
// atomic with respect to every other process sharing the file.
func (s *Store) Update(namespace, key string, fn storage.UpdateFunc) error {
	return s.with(false, func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte(namespace))
			if err != nil {
				return err
			}
			current, err := getInBucket(b, key)
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				if current == nil {
					return nil
				}
				return b.Delete([]byte(key))
			}
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			return b.Put([]byte(key), data)
		})
	})
}

func getInBucket(b *bbolt.Bucket, key string) (*storage.Envelope, error) {
	if b == nil {
		return nil, nil
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var envelope storage.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope %s: %w", key, err)
	}
	return &envelope, nil
}

package bbolt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// DefaultFileName is the file name of the backend inside its directory.
const DefaultFileName = "data.bbolt"

// BBolt is the resolver cache storage backend. Every pipeline stage
// that needs persistent storage gets its own bucket.
type BBolt struct {
	name string
	db   *bbolt.DB
}

// NewBBolt opens/creates a bbolt database in the given directory.
func NewBBolt(name, location string) (*BBolt, error) {
	if err := os.MkdirAll(location, 0o0700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	// Create options for bbolt database.
	dbFile := filepath.Join(location, DefaultFileName)
	dbOptions := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	// Open/Create database, retry if there is a timeout.
	db, err := bbolt.Open(dbFile, 0o0600, dbOptions)
	for i := 0; i < 5 && errors.Is(err, bbolt.ErrTimeout); i++ {
		db, err = bbolt.Open(dbFile, 0o0600, dbOptions)
	}
	if err != nil {
		return nil, err
	}

	return &BBolt{
		name: name,
		db:   db,
	}, nil
}

// Name returns the backend name.
func (b *BBolt) Name() string {
	return b.name
}

// Path returns the database file path.
func (b *BBolt) Path() string {
	return b.db.Path()
}

// Get returns a copy of the value stored at key in bucket.
func (b *BBolt) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return ErrNotFound
		}
		v := bkt.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}

		// Values are only valid during the transaction.
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value at key in bucket, creating the bucket if needed.
func (b *BBolt) Put(bucket, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), value)
	})
}

// Delete removes key from bucket.
func (b *BBolt) Delete(bucket, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// Count returns the number of keys in bucket.
func (b *BBolt) Count(bucket string) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return nil
	})
	return n, err
}

// Clear removes all keys of bucket and returns how many were removed.
func (b *BBolt) Clear(bucket string) (int, error) {
	var n int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return tx.DeleteBucket([]byte(bucket))
	})
	return n, err
}

// Buckets returns the names of all buckets.
func (b *BBolt) Buckets() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// Shutdown closes the database.
func (b *BBolt) Shutdown() error {
	return b.db.Close()
}

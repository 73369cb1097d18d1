package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("responses")

// GenericBoltCache keeps every key in a single bbolt database file.
// Values are prefixed with their 8-byte big endian expiry (unix nanos).
type GenericBoltCache struct {
	path string
	ttl  time.Duration

	mu sync.Mutex
	db *bolt.DB
}

// NewGenericBolt creates a bbolt cache. The database is opened by Init.
func NewGenericBolt(path string, ttl time.Duration) *GenericBoltCache {
	return &GenericBoltCache{
		path: path,
		ttl:  ttl,
	}
}

// Init opens the database and creates its bucket
func (b *GenericBoltCache) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create cache bucket: %w", err)
	}

	b.db = db
	return nil
}

func (b *GenericBoltCache) open() (*bolt.DB, error) {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db != nil {
		return db, nil
	}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b.open()
}

// Get retrieves cached data if it exists and is not expired
func (b *GenericBoltCache) Get(key string) ([]byte, error) {
	db, err := b.open()
	if err != nil {
		return nil, err
	}

	var out []byte
	expired := false
	if err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if len(v) < 8 {
			return nil
		}
		if isExpired(v) {
			expired = true
			return nil
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v[8:]...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read cache database: %w", err)
	}

	if expired {
		if err := removeExpired(db, key); err != nil {
			logrus.Errorf("Failed to remove expired cache key %s: %v", key, err)
		}
		logrus.Debugf("Cache key expired: %s", key)
		return nil, nil
	}

	return out, nil
}

// removeExpired deletes key unless it holds a live value. A Set may have
// landed between the read that saw the key expired and this transaction.
func removeExpired(db *bolt.DB, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if v := bucket.Get([]byte(key)); len(v) >= 8 && !isExpired(v) {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// isExpired reads the expiry prefix of a stored value
func isExpired(v []byte) bool {
	expiresAt := int64(binary.BigEndian.Uint64(v[:8]))
	return time.Now().UnixNano() > expiresAt
}

// Set stores data with an expiry of now+ttl
func (b *GenericBoltCache) Set(key string, data []byte) error {
	db, err := b.open()
	if err != nil {
		return err
	}

	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().Add(b.ttl).UnixNano()))
	copy(buf[8:], data)

	if err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), buf)
	}); err != nil {
		return fmt.Errorf("failed to write cache database: %w", err)
	}

	logrus.Debugf("Cached response: %s", key)
	return nil
}

// DeletePrefix removes every key starting with prefix
func (b *GenericBoltCache) DeletePrefix(prefix string) (int, error) {
	db, err := b.open()
	if err != nil {
		return 0, err
	}

	removed := 0
	if err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		// Deleting while iterating makes the cursor skip keys
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to delete from cache database: %w", err)
	}
	return removed, nil
}

// Close closes the database, if open
func (b *GenericBoltCache) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

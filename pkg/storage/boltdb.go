package storage

import (
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/engramlabs/engram/pkg/errdefs"
)

var defaultBuckets = []string{
	BucketEpisodes,
	BucketPatterns,
	BucketSkills,
	BucketVersions,
	BucketSessions,
	BucketMeta,
}

// BoltStore implements Store on a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and ensures the
// standard buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errdefs.Internal("failed to create data directory: %v", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errdefs.Internal("failed to open database %s: %v", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range defaultBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return errdefs.Internal("failed to create bucket %s: %v", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return errdefs.NotFound("bucket %s", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return errdefs.NotFound("%s/%s", bucket, key)
		}
		// BoltDB memory is only valid inside the transaction.
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, err
}

func (s *BoltStore) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return errdefs.NotFound("bucket %s", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return errdefs.NotFound("bucket %s", bucket)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Scan(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return errdefs.NotFound("bucket %s", bucket)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Count(bucket string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return errdefs.NotFound("bucket %s", bucket)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Transaction(fn func(tx Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Get(bucket, key string) ([]byte, error) {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, errdefs.NotFound("bucket %s", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, errdefs.NotFound("%s/%s", bucket, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (t *boltTx) Put(bucket, key string, value []byte) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return errdefs.NotFound("bucket %s", bucket)
	}
	return b.Put([]byte(key), value)
}

func (t *boltTx) Delete(bucket, key string) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return errdefs.NotFound("bucket %s", bucket)
	}
	return b.Delete([]byte(key))
}

func (t *boltTx) Scan(bucket string, fn func(key string, value []byte) error) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return errdefs.NotFound("bucket %s", bucket)
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return nil
}

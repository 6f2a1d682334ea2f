package storage

import (
	"sort"
	"sync"

	"github.com/engramlabs/engram/pkg/errdefs"
)

// MemStore is an in-memory Store for tests and ephemeral runs. It mirrors
// BoltStore semantics: copies on read and write, deterministic Scan order,
// all-or-nothing transactions.
type MemStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemStore creates a store with the standard buckets.
func NewMemStore() *MemStore {
	buckets := make(map[string]map[string][]byte, len(defaultBuckets))
	for _, b := range defaultBuckets {
		buckets[b] = make(map[string][]byte)
	}
	return &MemStore{buckets: buckets}
}

func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getFrom(s.buckets, bucket, key)
}

func (s *MemStore) Put(bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putInto(s.buckets, bucket, key, value)
}

func (s *MemStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return errdefs.NotFound("bucket %s", bucket)
	}
	delete(b, key)
	return nil
}

func (s *MemStore) Scan(bucket string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	b, ok := s.buckets[bucket]
	if !ok {
		s.mu.RUnlock()
		return errdefs.NotFound("bucket %s", bucket)
	}
	// Snapshot under the lock so fn can call back into the store.
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = b[k]
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Count(bucket string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return 0, errdefs.NotFound("bucket %s", bucket)
	}
	return len(b), nil
}

// Transaction stages mutations on a shadow copy and swaps it in only when fn
// succeeds.
func (s *MemStore) Transaction(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shadow := make(map[string]map[string][]byte, len(s.buckets))
	for name, b := range s.buckets {
		cp := make(map[string][]byte, len(b))
		for k, v := range b {
			cp[k] = v
		}
		shadow[name] = cp
	}

	if err := fn(&memTx{buckets: shadow}); err != nil {
		return err
	}
	s.buckets = shadow
	return nil
}

type memTx struct {
	buckets map[string]map[string][]byte
}

func (t *memTx) Get(bucket, key string) ([]byte, error) {
	return getFrom(t.buckets, bucket, key)
}

func (t *memTx) Put(bucket, key string, value []byte) error {
	return putInto(t.buckets, bucket, key, value)
}

func (t *memTx) Delete(bucket, key string) error {
	b, ok := t.buckets[bucket]
	if !ok {
		return errdefs.NotFound("bucket %s", bucket)
	}
	delete(b, key)
	return nil
}

func (t *memTx) Scan(bucket string, fn func(key string, value []byte) error) error {
	b, ok := t.buckets[bucket]
	if !ok {
		return errdefs.NotFound("bucket %s", bucket)
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, b[k]); err != nil {
			return err
		}
	}
	return nil
}

func getFrom(buckets map[string]map[string][]byte, bucket, key string) ([]byte, error) {
	b, ok := buckets[bucket]
	if !ok {
		return nil, errdefs.NotFound("bucket %s", bucket)
	}
	v, ok := b[key]
	if !ok {
		return nil, errdefs.NotFound("%s/%s", bucket, key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func putInto(buckets map[string]map[string][]byte, bucket, key string, value []byte) error {
	b, ok := buckets[bucket]
	if !ok {
		return errdefs.NotFound("bucket %s", bucket)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b[key] = cp
	return nil
}

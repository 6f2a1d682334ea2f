package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/errdefs"
)

// Both implementations run through the same behavioral suite.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return map[string]Store{
		"bolt": bs,
		"mem":  NewMemStore(),
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(BucketEpisodes, "ep-1", []byte("payload")))

			got, err := s.Get(BucketEpisodes, "ep-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)

			require.NoError(t, s.Delete(BucketEpisodes, "ep-1"))
			_, err = s.Get(BucketEpisodes, "ep-1")
			assert.True(t, errdefs.IsNotFound(err))

			// Deleting a missing key is a no-op.
			require.NoError(t, s.Delete(BucketEpisodes, "ep-1"))
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(BucketEpisodes, "nope")
			assert.True(t, errdefs.IsNotFound(err))

			_, err = s.Get("no-such-bucket", "nope")
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(BucketEpisodes, "ep-1", []byte("abc")))

			got, err := s.Get(BucketEpisodes, "ep-1")
			require.NoError(t, err)
			got[0] = 'X'

			again, err := s.Get(BucketEpisodes, "ep-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("abc"), again, "mutating a returned value must not affect the store")
		})
	}
}

func TestScanOrder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"c", "a", "b"} {
				require.NoError(t, s.Put(BucketPatterns, k, []byte(k)))
			}

			var keys []string
			err := s.Scan(BucketPatterns, func(key string, value []byte) error {
				keys = append(keys, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, keys)
		})
	}
}

func TestScanAbort(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Put(BucketPatterns, fmt.Sprintf("k-%d", i), nil))
			}

			var visited int
			sentinel := fmt.Errorf("stop")
			err := s.Scan(BucketPatterns, func(key string, value []byte) error {
				visited++
				if visited == 2 {
					return sentinel
				}
				return nil
			})
			assert.ErrorIs(t, err, sentinel)
			assert.Equal(t, 2, visited)
		})
	}
}

func TestCount(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.Count(BucketSkills)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			for i := 0; i < 3; i++ {
				require.NoError(t, s.Put(BucketSkills, fmt.Sprintf("sk-%d", i), nil))
			}
			n, err = s.Count(BucketSkills)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestTransactionCommit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Transaction(func(tx Tx) error {
				if err := tx.Put(BucketSkills, "sk-1", []byte("v1")); err != nil {
					return err
				}
				return tx.Put(BucketVersions, "sk-1:1", []byte("h1"))
			})
			require.NoError(t, err)

			got, err := s.Get(BucketSkills, "sk-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)
			_, err = s.Get(BucketVersions, "sk-1:1")
			require.NoError(t, err)
		})
	}
}

func TestTransactionRollback(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(BucketSkills, "keep", []byte("orig")))

			boom := fmt.Errorf("boom")
			err := s.Transaction(func(tx Tx) error {
				if err := tx.Put(BucketSkills, "keep", []byte("dirty")); err != nil {
					return err
				}
				if err := tx.Put(BucketSkills, "new", []byte("x")); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			got, err := s.Get(BucketSkills, "keep")
			require.NoError(t, err)
			assert.Equal(t, []byte("orig"), got, "failed transaction must leave no trace")
			_, err = s.Get(BucketSkills, "new")
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Transaction(func(tx Tx) error {
				if err := tx.Put(BucketMeta, "k", []byte("v")); err != nil {
					return err
				}
				got, err := tx.Get(BucketMeta, "k")
				if err != nil {
					return err
				}
				assert.Equal(t, []byte("v"), got)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestBoltReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(BucketEpisodes, "ep-1", []byte("survives")))
	require.NoError(t, s.Close())

	s2, err := NewBoltStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(BucketEpisodes, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}

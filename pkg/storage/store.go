package storage

// Bucket names used across the memory databases. Each database file carries
// only the buckets relevant to its tier; creating the full set everywhere is
// harmless and keeps open paths uniform.
var (
	BucketEpisodes = "episodes"
	BucketPatterns = "patterns"
	BucketSkills   = "skills"
	BucketVersions = "skill_versions"
	BucketSessions = "sessions"
	BucketMeta     = "meta"
)

// Store is the durable key-value layer beneath the memory tiers. Values are
// opaque encoded payloads; the backend adapter owns serialization. Scan
// visits keys in ascending byte order, so iteration order is deterministic.
type Store interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	// Scan calls fn for every key/value pair in the bucket, ascending by
	// key. Returning an error from fn aborts the scan.
	Scan(bucket string, fn func(key string, value []byte) error) error
	// Count returns the number of keys in a bucket.
	Count(bucket string) (int, error)
	// Transaction runs fn atomically: either every mutation applies or
	// none does.
	Transaction(fn func(tx Tx) error) error
	Close() error
}

// Tx exposes the mutation surface inside a transaction.
type Tx interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	Scan(bucket string, fn func(key string, value []byte) error) error
}

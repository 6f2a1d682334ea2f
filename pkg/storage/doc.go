// Package storage provides the durable key-value layer beneath the memory
// tiers.
//
// Each memory tier persists to its own BoltDB file (episodic.db, semantic.db,
// skill.db) opened as a BoltStore. The Store interface is deliberately
// narrow: opaque byte values organized into fixed buckets, with deterministic
// ascending-key Scan and atomic multi-key Transaction support. Serialization
// lives above this layer, in the backend adapter's codec.
//
// MemStore mirrors BoltStore's semantics in memory (copy-on-read,
// copy-on-write, shadow-copy transactions) and backs tests and ephemeral
// runs.
//
// Example:
//
//	store, err := storage.NewBoltStore(filepath.Join(dataDir, "episodic.db"))
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	if err := store.Put(storage.BucketEpisodes, episode.ID, payload); err != nil {
//		return err
//	}
package storage

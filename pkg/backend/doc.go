/*
Package backend implements the dual-write storage adapter beneath the
memory tiers.

Writes land in the tier's durable store first; the shared KV mirror and the
change notice published on the tier's bus channel are best-effort and never
fail the caller. Reads consult the in-process TTL cache, then the shared KV
while it is healthy, then the durable store, repopulating the faster layers
on the way out. Cache keys equal shared-KV keys, so one bus notice
invalidates both layers on every peer.

After a configured number of consecutive shared-KV failures the adapter
declares the mirror unhealthy and serves durable-only while a background
probe pings with exponential backoff; recovery is automatic. Notices
carry the source instance id, so an adapter ignores its own echoes.

The shared-KV namespace and channel names are fixed (see keys.go):
memory:episodic:<id>, memory:semantic:<id>, memory:skill:<id>,
skill:name:<name>, session:<id>, and agent:<agent>:working:<step>, with
change notices on agent:memory:{episodic,semantic,skill}.
*/
package backend

/*
Package locking provides the concurrency-control substrate shared by every
memory tier: fair reader/writer locks keyed by resource name, cross-process
file locks with stale-owner recovery, and a manager that owns both plus
their statistics.

# Reader/writer locks

RWLock grants any number of concurrent readers or exactly one writer, FIFO
with writer preference: once a writer queues, later readers wait behind it,
so writers cannot starve. Every acquisition is bound to the caller's
context; when it carries no deadline the manager applies the configured
fallback timeout. A timed-out acquisition leaves no partial state.

# Process locks

FileLock serializes access across processes. It uses flock where the
filesystem supports it and falls back to a create-exclusive sentinel file
elsewhere. Lock files record owner pid, hostname, and acquisition time;
locks whose owner is dead and whose file is older than the stale threshold
are reclaimed.

# Manager

Manager is the per-process registry: one lock per resource name, so all
code paths naming the same resource contend on the same lock. It applies
default timeouts, records per-(resource, kind) statistics, exports
Prometheus counters and histograms, and flags waiters queued beyond the
long-wait threshold as suspect deadlocks.

	h, err := locks.WriteLock(ctx, "episodic")
	if err != nil {
		return err // errdefs.IsTimeout distinguishes deadline expiry
	}
	defer h.Release()
*/
package locking

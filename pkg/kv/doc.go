/*
Package kv abstracts the optional shared key-value store and its
publish/subscribe bus.

RedisKV is the production implementation. NullKV stands in when no shared
backend is configured: reads miss, writes vanish, pub/sub stays silent, and
the rest of the system runs durable-only without code changes. Fake is the
in-memory test double with controllable health and a movable clock.

KV errors are classified for the adapter's health tracking: a missing key
is NotFound; everything else is Unhealthy and counts toward the failover
threshold.
*/
package kv

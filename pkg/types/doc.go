/*
Package types defines the entities shared across Engram's memory and skill
subsystems: steps, episodes, semantic patterns, skills, skill versions, and
sessions, together with their filters and lifecycle constants.

# Ownership

Steps are owned by the session that produced them; sessions are owned by the
agent that created them. Episodes, semantic patterns, and skills are shared
resources: no single agent owns them, and every write passes through the
write lock on the corresponding resource name.

# Lifecycles

Episode: created -> scored -> consolidated -> archived. Scoring happens on
creation and reinforcement; archival is a retention decision outside the
core.

Skill: draft -> active -> deprecated. Activation requires the name to be
unique among active skills and the action sequence to parse. There is no
transition out of deprecated; produce a new skill instead.

# Serialization

Every persisted record carries SchemaVersion so stored payloads can be
migrated forward. Records are encoded as CBOR and passed through the
compression codec before hitting the durable store or the shared KV; the
cbor struct tags keep the wire form compact and stable.
*/
package types

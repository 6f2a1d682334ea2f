/*
Package skills implements the versioned skill library: persistent reusable
action sequences with lifecycle, statistics, optimistic locking, and
batched execution.

A skill is draft, active, or deprecated; names are unique among active
skills and deprecation is terminal. Accepted updates increment the version
by exactly one and archive the prior revision, both in the durable version
bucket and in the append-only skills_history JSON-lines log.

Execution resolves the skill's action sequence against a Registry of named
ActionFuncs under a per-execution deadline, with fail-fast typed parameter
validation. Every run, successful or not, lands in the skill's usage
statistics. BatchExecute bounds parallelism with a semaphore and isolates
member failures; Compose runs skills strictly in order through one shared
mutable context, skipping members that declare a RecoverableError and
stopping at the first member that does not.
*/
package skills

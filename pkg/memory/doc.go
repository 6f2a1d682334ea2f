/*
Package memory implements the tiered memory architecture: per-session
working memory, the episodic store, the semantic store, and the
Architecture facade that agents talk to.

Working memory is a bounded ring per session, swept by TTL. Episodes record
one task attempt each and are scored on write:

	score = w_s·success + w_i·importance + w_r·exp(-Δt/τ) + w_u·utility

Semantic patterns carry generalized knowledge; confidence grows with
support as 1 - exp(-α·support) and only the consolidator's decay pass
lowers it. Every episodic and semantic write passes through the tier's
write lock and the backend adapter; retrieval-index updates are best-effort
and never fail the write that triggered them.

Query results are deterministically ordered (score or confidence
descending, then recency, then id), and every query and search requires an
explicit bounded limit.
*/
package memory

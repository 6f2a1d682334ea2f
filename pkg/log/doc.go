/*
Package log provides structured logging for Engram built on zerolog.

A single global logger is initialized once at startup via Init and shared by
all components. Child loggers carry contextual fields so every line can be
attributed to a component, resource, session, agent, or skill:

	logger := log.WithComponent("episodic")
	logger.Info().Str("memory_id", id).Msg("episode stored")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is available for ingestion into log pipelines.

Levels follow zerolog: debug, info, warn, error. Infrastructure warnings
(index update failures, shared-KV mirror failures) are logged at warn and
counted in metrics; they never surface as caller errors.
*/
package log

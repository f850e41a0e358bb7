/*
Package log provides structured logging for kermem built on zerolog.

The package holds a single global logger initialized once at process
start, plus helpers that derive child loggers carrying the fields every
pipeline log line should have: component, index, document id, and step.

# Usage

Initialize once during bootstrap:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Components derive child loggers instead of touching the global:

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("document_id", id).Msg("pipeline started")
*/
package log

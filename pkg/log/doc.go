// Package log provides a structured trace of transport activity.
//
// Every event a transport emits, and every outbound write it performs, can be
// recorded through the Logger interface. This is separate from operational
// logging (zap): the trace is a complete machine-readable record of what the
// seam did, suitable for replaying connection lifecycles after the fact.
//
// # Basic Usage
//
//	// For development: trace to the console via zap
//	cfg.Logger = log.NewZapAdapter(zapLogger)
//
//	// For production: write to a binary file
//	cfg.Logger, _ = log.NewFileLogger("/var/log/seam/edge.trace")
//
//	// Both
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewZapAdapter(zapLogger),
//	    fileLogger,
//	)
//
// # Payload Safety
//
// Trace events carry payload sizes, never payload bytes, so trace files are
// safe to persist and ship.
//
// # File Format
//
// Trace files are a stream of CBOR-encoded events with integer keys. The
// "seamd trace view" command prints and filters them.
package log

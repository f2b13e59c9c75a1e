// Package events applies externally sourced occurrences (scanner reads,
// flight delays, mishandling reports, approval decisions, operator
// overrides) to a bag's latest checkpoint, without requiring the
// orchestrator to be actively executing that bag.
//
// The Processor owns a handler registry keyed by event type. Each handler
// receives the latest checkpoint state, mutates the sub-states its event
// type touches, and persists the new checkpoint itself; a version conflict
// with a concurrent writer triggers a bounded re-read-and-retry in the
// dispatch loop. Events addressed to bags that already reached a terminal
// stage are logged and ignored.
//
// The Queue buffers events in hash-partitioned bounded channels, preserving
// arrival order per bag while letting different bags interleave. A full
// partition drops the event rather than blocking ingestion.
package events

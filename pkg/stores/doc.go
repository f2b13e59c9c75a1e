// Package stores provides durable persistence for workflow checkpoints, the
// per-bag event log, and approval requests.
//
// The SQLite implementation keeps three tables: checkpoints (versioned JSON
// snapshots keyed by workflow id + node), bag_events (append-only audit log),
// and approval_requests (human-in-the-loop state queryable without
// deserializing workflow blobs). Checkpoint writes use an optimistic
// compare-and-swap on the bag's version so a writer holding a stale snapshot
// can never silently clobber a newer one.
package stores

// Package engine is the workflow orchestration core: it drives one bag
// through the fixed graph of handling stages from check-in to a terminal
// node, persisting a durable checkpoint after every node.
//
// The graph's main path is check_in > security_screening > sorting >
// loading > in_flight > arrival > claim > delivered. A connecting bag
// detours in_flight > transfer > sorting for the next leg. Exceptions
// route into mishandled > root_cause_analysis > compensation, and
// high-value actions pass through request_approval > wait_for_approval
// before the bag is released.
//
// Each node mutates the workflow state, optionally invokes one decision
// agent collaborator (bounded by a per-call timeout; failures degrade, they
// never abort the node), and appends events and alerts. Transition rules
// are a static table keyed by node, giving compile-time exhaustiveness over
// the graph.
//
// The checkpoint store is the single synchronization point with the event
// subsystem: a save that observes a stale version is retried against a
// fresh read, bounded by the state's retry budget. Errors carry a class
// (transient, conflict, permanent) so callers can pick a recovery strategy.
package engine

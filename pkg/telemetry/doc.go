// Package telemetry provides observability for the BagTrail engine.
//
// It bundles three concerns behind a small configuration surface:
//
//   - Structured logging via zerolog, with per-component child loggers and
//     field helpers for the identifiers that matter when chasing a bag
//     through the system (bag_id, workflow_id, node, agent).
//
//   - Prometheus metrics for workflow throughput, node and agent latency,
//     event queue health, checkpoint writes and concurrency conflicts,
//     and the approval backlog.
//
//   - Distributed tracing via OpenTelemetry with OTLP gRPC and stdout
//     exporters. Spans follow the workflow > node > agent hierarchy.
//
// All collectors degrade to no-ops when disabled, so callers never need
// to branch on whether telemetry is configured.
package telemetry

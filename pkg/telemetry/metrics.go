package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for BagTrail.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Agent metrics
	agentCalls    *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec
	agentErrors   *prometheus.CounterVec

	// Event metrics
	eventsProcessed *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec

	// Checkpoint metrics
	checkpointWrites *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec

	// Approval metrics
	approvalsRequested *prometheus.CounterVec
	approvalsResolved  *prometheus.CounterVec
	pendingApprovals   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeWorkflows prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Workflow metrics
		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of bag workflows started",
			},
			[]string{"airline"},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of bag workflows completed",
			},
			[]string{"status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Node metrics
		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of workflow node executions",
			},
			[]string{"node", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"node"},
		),

		// Agent metrics
		agentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_calls_total",
				Help:      "Total number of collaborator agent calls",
			},
			[]string{"agent", "node"},
		),
		agentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_call_duration_seconds",
				Help:      "Duration of collaborator agent calls in seconds",
				Buckets:   buckets,
			},
			[]string{"agent"},
		),
		agentErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_errors_total",
				Help:      "Total number of collaborator agent errors",
			},
			[]string{"agent", "node"},
		),

		// Event metrics
		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of bag events processed",
			},
			[]string{"event_type", "status"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of bag events dropped due to backpressure",
			},
			[]string{"event_type"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_queue_depth",
				Help:      "Current depth of the event queue per partition",
			},
			[]string{"partition"},
		),

		// Checkpoint metrics
		checkpointWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_writes_total",
				Help:      "Total number of checkpoint writes",
			},
			[]string{"status"},
		),
		versionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_conflicts_total",
				Help:      "Total number of optimistic concurrency conflicts",
			},
			[]string{"writer"},
		),

		// Approval metrics
		approvalsRequested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_requested_total",
				Help:      "Total number of approval requests created",
			},
			[]string{"action"},
		),
		approvalsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_resolved_total",
				Help:      "Total number of approval requests resolved",
			},
			[]string{"status"},
		),
		pendingApprovals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_approvals",
				Help:      "Current number of pending approval requests",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workflows",
				Help:      "Current number of active workflows",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.workflowDuration,
		m.nodesExecuted,
		m.nodeDuration,
		m.agentCalls,
		m.agentDuration,
		m.agentErrors,
		m.eventsProcessed,
		m.eventsDropped,
		m.queueDepth,
		m.checkpointWrites,
		m.versionConflicts,
		m.approvalsRequested,
		m.approvalsResolved,
		m.pendingApprovals,
		m.errorsByClass,
		m.errorsByCode,
		m.activeWorkflows,
	)

	return m, nil
}

// Workflow Metrics

// RecordWorkflowStarted increments the counter for started workflows.
func (m *Metrics) RecordWorkflowStarted(airline string) {
	if m == nil || m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(airline).Inc()
	m.activeWorkflows.Inc()
}

// RecordWorkflowCompleted records a completed workflow with its status and duration.
func (m *Metrics) RecordWorkflowCompleted(status string, duration time.Duration) {
	if m == nil || m.workflowsCompleted == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(status).Inc()
	m.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeWorkflows.Dec()
}

// Node Metrics

// RecordNodeExecution records the execution of a workflow node.
func (m *Metrics) RecordNodeExecution(node, status string, duration time.Duration) {
	if m == nil || m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(node, status).Inc()
	m.nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// Agent Metrics

// RecordAgentCall records a collaborator agent call with its duration.
func (m *Metrics) RecordAgentCall(agent, node string, duration time.Duration) {
	if m == nil || m.agentCalls == nil {
		return
	}
	m.agentCalls.WithLabelValues(agent, node).Inc()
	m.agentDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordAgentError records a collaborator agent error.
func (m *Metrics) RecordAgentError(agent, node string) {
	if m == nil || m.agentErrors == nil {
		return
	}
	m.agentErrors.WithLabelValues(agent, node).Inc()
}

// Event Metrics

// RecordEventProcessed records a processed bag event.
func (m *Metrics) RecordEventProcessed(eventType, status string) {
	if m == nil || m.eventsProcessed == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(eventType, status).Inc()
}

// RecordEventDropped records a bag event dropped due to backpressure.
func (m *Metrics) RecordEventDropped(eventType string) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// SetQueueDepth sets the current depth of an event queue partition.
func (m *Metrics) SetQueueDepth(partition string, depth float64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(partition).Set(depth)
}

// Checkpoint Metrics

// RecordCheckpointWrite records a checkpoint write attempt.
func (m *Metrics) RecordCheckpointWrite(status string) {
	if m == nil || m.checkpointWrites == nil {
		return
	}
	m.checkpointWrites.WithLabelValues(status).Inc()
}

// RecordVersionConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordVersionConflict(writer string) {
	if m == nil || m.versionConflicts == nil {
		return
	}
	m.versionConflicts.WithLabelValues(writer).Inc()
}

// Approval Metrics

// RecordApprovalRequested records a new approval request.
func (m *Metrics) RecordApprovalRequested(action string) {
	if m == nil || m.approvalsRequested == nil {
		return
	}
	m.approvalsRequested.WithLabelValues(action).Inc()
	m.pendingApprovals.Inc()
}

// RecordApprovalResolved records a resolved approval request.
func (m *Metrics) RecordApprovalResolved(status string) {
	if m == nil || m.approvalsResolved == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(status).Inc()
	m.pendingApprovals.Dec()
}

// SetPendingApprovals sets the current number of pending approvals.
func (m *Metrics) SetPendingApprovals(count float64) {
	if m == nil || m.pendingApprovals == nil {
		return
	}
	m.pendingApprovals.Set(count)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

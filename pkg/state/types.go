package state

import (
	"time"
)

// BagStatus represents a bag's position in the handling pipeline.
type BagStatus string

const (
	StatusCheckIn           BagStatus = "check_in"
	StatusSecurityScreening BagStatus = "security_screening"
	StatusSorting           BagStatus = "sorting"
	StatusLoading           BagStatus = "loading"
	StatusInFlight          BagStatus = "in_flight"
	StatusArrival           BagStatus = "arrival"
	StatusTransfer          BagStatus = "transfer"
	StatusClaim             BagStatus = "claim"
	StatusDelivered         BagStatus = "delivered"

	// Exception statuses for mishandled bags.
	StatusDelayed  BagStatus = "delayed"
	StatusLost     BagStatus = "lost"
	StatusDamaged  BagStatus = "damaged"
	StatusResolved BagStatus = "resolved"
)

// IsTerminal returns true for statuses that end a bag's journey.
func (s BagStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusResolved
}

// IsException returns true for mishandling statuses.
func (s BagStatus) IsException() bool {
	return s == StatusDelayed || s == StatusLost || s == StatusDamaged
}

// RiskLevel classifies the mishandling risk of a bag or the severity of an alert.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFromScore maps a 0-100 risk score onto the risk tiers.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ApprovalStatus tracks human-in-the-loop decisions on an intervention.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// Resolved returns true once the approval is no longer pending.
func (a ApprovalStatus) Resolved() bool {
	return a != ApprovalPending
}

// EventType identifies the closed set of bag lifecycle event types.
type EventType string

const (
	EventLocationScan        EventType = "location_scan"
	EventStatusUpdate        EventType = "status_update"
	EventFlightDelay         EventType = "flight_delay"
	EventMishandlingDetected EventType = "mishandling_detected"
	EventApprovalReceived    EventType = "approval_received"
	EventAgentExecuted       EventType = "agent_executed"
	EventAlertTriggered      EventType = "alert_triggered"
)

// WorkflowStatus is the lifecycle status of one workflow run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
)

// BagEvent is a single timestamped entry in a bag's append-only history.
type BagEvent struct {
	EventID   string                 `json:"event_id"`
	Type      EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Location  string                 `json:"location"`
	Details   map[string]interface{} `json:"details,omitempty"`

	// Source identifies the producer: "engine", "external" or "operator".
	Source string `json:"source"`
}

// Alert flags a handling issue that may need operator attention.
type Alert struct {
	AlertID    string     `json:"alert_id"`
	Severity   RiskLevel  `json:"severity"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
}

// Intervention is a recommended or executed action, optionally gated on approval.
type Intervention struct {
	InterventionID   string                 `json:"intervention_id"`
	Action           string                 `json:"action"`
	Reason           string                 `json:"reason"`
	Priority         int                    `json:"priority"`
	RequiresApproval bool                   `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus         `json:"approval_status"`
	ApprovedBy       string                 `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time             `json:"approved_at,omitempty"`
	Executed         bool                   `json:"executed"`
	ExecutedAt       *time.Time             `json:"executed_at,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
}

// BagState is the full lifecycle state of one bag.
//
// Identity and physical attributes are fixed at creation; everything else is
// mutated only by orchestrator nodes and event handlers, each mutation
// producing a new checkpoint version.
type BagState struct {
	// Identity (immutable after creation)
	BagID       string `json:"bag_id"`
	TagNumber   string `json:"tag_number"`
	PassengerID string `json:"passenger_id"`

	// Current position
	CurrentStatus   BagStatus `json:"current_status"`
	CurrentLocation string    `json:"current_location"`
	LastScanTime    time.Time `json:"last_scan_time"`

	// Flight context
	OriginFlight       string `json:"origin_flight"`
	ConnectionFlight   string `json:"connection_flight,omitempty"`
	OriginAirport      string `json:"origin_airport"`
	DestinationAirport string `json:"destination_airport"`
	ConnectionAirport  string `json:"connection_airport,omitempty"`

	// Risk assessment
	RiskScore   float64   `json:"risk_score"`
	RiskLevel   RiskLevel `json:"risk_level"`
	RiskFactors []string  `json:"risk_factors,omitempty"`

	// Physical attributes (fixed at creation)
	WeightKg        float64 `json:"weight_kg"`
	DeclaredValue   float64 `json:"declared_value"`
	SpecialHandling string  `json:"special_handling,omitempty"`

	// Append-only history
	Events        []BagEvent     `json:"events"`
	Alerts        []Alert        `json:"alerts"`
	Interventions []Intervention `json:"interventions"`

	// Bookkeeping. Version increments on every successful checkpoint save
	// and is the basis for optimistic-concurrency detection.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// ConnectionState tracks a mid-journey carrier connection, if one exists.
type ConnectionState struct {
	HasConnection         bool   `json:"has_connection"`
	ConnectionTimeMinutes int    `json:"connection_time_minutes,omitempty"`
	MinimumConnectionTime int    `json:"minimum_connection_time"`
	InboundFlight         string `json:"inbound_flight,omitempty"`
	OutboundFlight        string `json:"outbound_flight,omitempty"`

	// ConnectionBufferMinutes is the remaining slack; flight delays reduce it.
	ConnectionBufferMinutes int `json:"connection_buffer_minutes"`

	ConnectionAtRisk bool                   `json:"connection_at_risk"`
	ContingencyPlan  map[string]interface{} `json:"contingency_plan,omitempty"`

	HandlerAssigned string `json:"handler_assigned,omitempty"`
	HandlerNotified bool   `json:"handler_notified"`
}

// InterventionState manages pending interventions and the approval workflow.
type InterventionState struct {
	PendingInterventions []Intervention `json:"pending_interventions"`

	RequiresApproval       bool    `json:"requires_approval"`
	ApprovalThresholdValue float64 `json:"approval_threshold_value"`
	ApproverRole           string  `json:"approver_role,omitempty"`
	ApprovalTimeoutMinutes int     `json:"approval_timeout_minutes"`

	InterventionsExecuted int `json:"interventions_executed"`
	InterventionsPending  int `json:"interventions_pending"`
	InterventionsFailed   int `json:"interventions_failed"`

	NotificationsSent []map[string]interface{} `json:"notifications_sent,omitempty"`
}

// WorkflowError records a non-fatal failure observed during a node execution.
type WorkflowError struct {
	Node      string    `json:"node"`
	Agent     string    `json:"agent,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is one entry in the workflow's decision audit log.
type Decision struct {
	Node      string    `json:"node"`
	Choice    string    `json:"choice"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the orchestration envelope around one bag's state.
// It is the unit of checkpoint persistence.
type WorkflowState struct {
	Bag          *BagState         `json:"bag"`
	Connection   *ConnectionState  `json:"connection,omitempty"`
	Intervention InterventionState `json:"intervention"`

	// Workflow control
	CurrentNode   string   `json:"current_node"`
	NextNode      string   `json:"next_node,omitempty"`
	PreviousNodes []string `json:"previous_nodes"`

	// Error handling
	Errors     []WorkflowError `json:"errors"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`

	// Agent execution tracking
	AgentsInvoked []string                          `json:"agents_invoked"`
	AgentResults  map[string]map[string]interface{} `json:"agent_results"`

	DecisionsMade []Decision `json:"decisions_made"`

	// Metadata
	WorkflowID  string         `json:"workflow_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      WorkflowStatus `json:"status"`
}

// Terminal returns true once the workflow can no longer be mutated.
func (w *WorkflowState) Terminal() bool {
	return w.Status == WorkflowCompleted || w.Status == WorkflowFailed
}

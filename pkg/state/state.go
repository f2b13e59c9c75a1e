// Package state defines the typed lifecycle state of a bag and the workflow
// envelope that the orchestration engine checkpoints. It carries no behavior
// beyond construction and validation.
package state

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Defaults applied by the constructors. The approval values mirror the
// operational defaults: sign-off above $500, auto-proceed after 30 minutes.
const (
	DefaultApprovalThresholdValue = 500.0
	DefaultApprovalTimeoutMinutes = 30
	DefaultMinimumConnectionTime  = 45
	DefaultMaxRetries             = 3
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewBagParams are the required identity and flight fields for a new bag.
type NewBagParams struct {
	BagID              string  `validate:"required"`
	TagNumber          string  `validate:"required"`
	PassengerID        string  `validate:"required"`
	OriginFlight       string  `validate:"required"`
	OriginAirport      string  `validate:"required,len=3"`
	DestinationAirport string  `validate:"required,len=3"`
	WeightKg           float64 `validate:"required,gt=0"`
	DeclaredValue      float64 `validate:"gte=0"`
	ConnectionFlight   string
	ConnectionAirport  string
	SpecialHandling    string
}

// NewBagState creates the state for a bag entering the pipeline.
// The bag starts at check_in with zero risk and version 1.
func NewBagState(p NewBagParams) (*BagState, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid bag parameters: %w", err)
	}

	now := time.Now().UTC()
	return &BagState{
		BagID:              p.BagID,
		TagNumber:          p.TagNumber,
		PassengerID:        p.PassengerID,
		CurrentStatus:      StatusCheckIn,
		CurrentLocation:    p.OriginAirport,
		LastScanTime:       now,
		OriginFlight:       p.OriginFlight,
		ConnectionFlight:   p.ConnectionFlight,
		OriginAirport:      p.OriginAirport,
		DestinationAirport: p.DestinationAirport,
		ConnectionAirport:  p.ConnectionAirport,
		RiskScore:          0,
		RiskLevel:          RiskLow,
		RiskFactors:        []string{},
		WeightKg:           p.WeightKg,
		DeclaredValue:      p.DeclaredValue,
		SpecialHandling:    p.SpecialHandling,
		Events:             []BagEvent{},
		Alerts:             []Alert{},
		Interventions:      []Intervention{},
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}, nil
}

// NewWorkflowState wraps a bag state into a fresh workflow envelope.
// The connection sub-state is populated only when hasConnection is set.
func NewWorkflowState(bag *BagState, hasConnection bool) (*WorkflowState, error) {
	if bag == nil {
		return nil, fmt.Errorf("bag state is required")
	}

	var conn *ConnectionState
	if hasConnection {
		conn = &ConnectionState{
			HasConnection:         true,
			MinimumConnectionTime: DefaultMinimumConnectionTime,
			InboundFlight:         bag.OriginFlight,
			OutboundFlight:        bag.ConnectionFlight,
		}
	}

	return &WorkflowState{
		Bag:        bag,
		Connection: conn,
		Intervention: InterventionState{
			PendingInterventions:   []Intervention{},
			ApprovalThresholdValue: DefaultApprovalThresholdValue,
			ApprovalTimeoutMinutes: DefaultApprovalTimeoutMinutes,
		},
		CurrentNode:   "check_in",
		PreviousNodes: []string{},
		Errors:        []WorkflowError{},
		MaxRetries:    DefaultMaxRetries,
		AgentsInvoked: []string{},
		AgentResults:  map[string]map[string]interface{}{},
		DecisionsMade: []Decision{},
		WorkflowID:    uuid.New().String(),
		StartedAt:     time.Now().UTC(),
		Status:        WorkflowRunning,
	}, nil
}

// NewEvent creates a bag event with a generated id and UTC timestamp.
func NewEvent(eventType EventType, location, source string, details map[string]interface{}) BagEvent {
	return BagEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Location:  location,
		Details:   details,
		Source:    source,
	}
}

// NewAlert creates an alert with a generated id and UTC timestamp.
func NewAlert(severity RiskLevel, message string) Alert {
	return Alert{
		AlertID:   uuid.New().String(),
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// NewIntervention creates a pending intervention.
func NewIntervention(action, reason string, priority int, requiresApproval bool) Intervention {
	return Intervention{
		InterventionID:   uuid.New().String(),
		Action:           action,
		Reason:           reason,
		Priority:         priority,
		RequiresApproval: requiresApproval,
		ApprovalStatus:   ApprovalPending,
	}
}

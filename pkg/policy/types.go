package policy

import (
	"time"
)

// Policy represents an approval policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Action identifies the workflow decision a policy gates.
const (
	// ActionClaimRelease gates handing a bag over at the claim carousel.
	ActionClaimRelease = "claim_release"

	// ActionCompensation gates paying out compensation for an incident.
	ActionCompensation = "compensation"
)

// ApprovalInput is the input document for approval policy evaluation.
type ApprovalInput struct {
	// BagID is the bag the decision concerns.
	BagID string `json:"bag_id"`

	// Action is the gated action (claim_release, compensation).
	Action string `json:"action"`

	// DeclaredValue is the declared value of the bag contents in dollars.
	DeclaredValue float64 `json:"declared_value"`

	// CompensationAmount is the proposed payout in dollars, if any.
	CompensationAmount float64 `json:"compensation_amount"`

	// ApprovalThreshold is the dollar amount above which sign-off is needed.
	ApprovalThreshold float64 `json:"approval_threshold"`

	// RiskLevel is the bag's current mishandling risk level.
	RiskLevel string `json:"risk_level"`

	// IncidentType is the exception type for compensation decisions
	// (delayed, lost, damaged).
	IncidentType string `json:"incident_type,omitempty"`
}

// ApprovalDecision is the outcome of evaluating the approval policies.
type ApprovalDecision struct {
	// Required indicates whether human sign-off is needed before the
	// action may proceed.
	Required bool `json:"required"`

	// ApproverRole is the minimum role that may approve (supervisor,
	// manager). Empty when no approval is required.
	ApproverRole string `json:"approver_role,omitempty"`

	// Reasons lists why approval is required, one entry per matching rule.
	Reasons []string `json:"reasons,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Approver roles in escalation order.
const (
	RoleSupervisor = "supervisor"
	RoleManager    = "manager"
)

// roleRank orders approver roles so the strictest matching rule wins.
func roleRank(role string) int {
	switch role {
	case RoleManager:
		return 2
	case RoleSupervisor:
		return 1
	default:
		return 0
	}
}

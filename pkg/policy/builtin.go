package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in approval policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		highValueClaimPolicy(),
		compensationSignoffPolicy(),
		criticalRiskEscalationPolicy(),
	}
}

// highValueClaimPolicy requires supervisor sign-off before releasing a
// bag whose declared contents value exceeds the approval threshold.
func highValueClaimPolicy() Policy {
	return Policy{
		Name:        "high-value-claim",
		Description: "Requires supervisor approval before releasing high-value bags at claim",
		Enabled:     true,
		Tags:        []string{"claim", "approval"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package bagtrail.policies.claim

import rego.v1

require contains decision if {
	input.action == "claim_release"
	input.declared_value > input.approval_threshold
	decision := {
		"role": "supervisor",
		"reason": sprintf("declared value $%.2f exceeds approval threshold $%.2f", [input.declared_value, input.approval_threshold]),
	}
}
`,
	}
}

// compensationSignoffPolicy requires sign-off for compensation payouts
// above the approval threshold, escalating large payouts to a manager.
func compensationSignoffPolicy() Policy {
	return Policy{
		Name:        "compensation-signoff",
		Description: "Requires sign-off for compensation payouts above the approval threshold",
		Enabled:     true,
		Tags:        []string{"compensation", "approval"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package bagtrail.policies.compensation

import rego.v1

require contains decision if {
	input.action == "compensation"
	input.compensation_amount > input.approval_threshold
	input.compensation_amount <= 2000
	decision := {
		"role": "supervisor",
		"reason": sprintf("compensation $%.2f exceeds approval threshold $%.2f", [input.compensation_amount, input.approval_threshold]),
	}
}

require contains decision if {
	input.action == "compensation"
	input.compensation_amount > 2000
	decision := {
		"role": "manager",
		"reason": sprintf("compensation $%.2f exceeds manager escalation limit $2000.00", [input.compensation_amount]),
	}
}
`,
	}
}

// criticalRiskEscalationPolicy escalates compensation decisions for bags
// flagged at critical mishandling risk to a manager regardless of amount.
func criticalRiskEscalationPolicy() Policy {
	return Policy{
		Name:        "critical-risk-escalation",
		Description: "Escalates compensation for critical-risk bags to a manager",
		Enabled:     true,
		Tags:        []string{"risk", "approval"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package bagtrail.policies.risk

import rego.v1

require contains decision if {
	input.action == "compensation"
	input.risk_level == "critical"
	decision := {
		"role": "manager",
		"reason": "bag flagged at critical mishandling risk",
	}
}
`,
	}
}

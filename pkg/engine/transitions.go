package engine

import (
	"github.com/bagtrail/bagtrail/pkg/state"
)

// Transition rules, one per node, evaluated after the node completes. The
// static table in NewOrchestrator gives compile-time exhaustiveness over the
// graph; there is no runtime string dispatch.

func (o *Orchestrator) fromCheckIn(st *state.WorkflowState) (Node, string) {
	return NodeSecurityScreening, ""
}

func (o *Orchestrator) fromSecurityScreening(st *state.WorkflowState) (Node, string) {
	return NodeSorting, ""
}

func (o *Orchestrator) fromSorting(st *state.WorkflowState) (Node, string) {
	if st.Bag.CurrentStatus.IsException() {
		return NodeMishandled, "routing failure flagged during sort"
	}
	return NodeLoading, ""
}

func (o *Orchestrator) fromLoading(st *state.WorkflowState) (Node, string) {
	return NodeInFlight, ""
}

func (o *Orchestrator) fromInFlight(st *state.WorkflowState) (Node, string) {
	if st.Connection != nil && st.Connection.HasConnection {
		return NodeTransfer, "bag has an active connection leg"
	}
	return NodeArrival, ""
}

func (o *Orchestrator) fromArrival(st *state.WorkflowState) (Node, string) {
	if st.Bag.CurrentStatus.IsException() {
		return NodeMishandled, "arrival anomaly flagged"
	}
	return NodeClaim, ""
}

func (o *Orchestrator) fromTransfer(st *state.WorkflowState) (Node, string) {
	if st.Bag.CurrentStatus.IsException() {
		return NodeMishandled, "transfer failure flagged"
	}
	return NodeSorting, "re-entering sort for the next leg"
}

func (o *Orchestrator) fromClaim(st *state.WorkflowState) (Node, string) {
	if st.Intervention.RequiresApproval {
		return NodeRequestApproval, "release gated on human approval"
	}
	return NodeDelivered, ""
}

func (o *Orchestrator) fromDelivered(st *state.WorkflowState) (Node, string) {
	return NodeEnd, ""
}

func (o *Orchestrator) fromMishandled(st *state.WorkflowState) (Node, string) {
	return NodeRootCause, ""
}

func (o *Orchestrator) fromRootCause(st *state.WorkflowState) (Node, string) {
	return NodeCompensation, ""
}

func (o *Orchestrator) fromCompensation(st *state.WorkflowState) (Node, string) {
	if st.Intervention.RequiresApproval {
		return NodeRequestApproval, "compensation payout requires sign-off"
	}
	return NodeEnd, "compensation within authority, incident resolved"
}

func (o *Orchestrator) fromRequestApproval(st *state.WorkflowState) (Node, string) {
	return NodeWaitForApproval, ""
}

// fromWaitForApproval routes on the resolved intervention's status. Timeout
// is treated the same as approved: the auto-proceed business default.
func (o *Orchestrator) fromWaitForApproval(st *state.WorkflowState) (Node, string) {
	iv := firstResolvedIntervention(st)
	if iv == nil {
		return NodeDelivered, "no pending intervention to wait on"
	}
	switch iv.ApprovalStatus {
	case state.ApprovalApproved:
		return NodeDelivered, "intervention approved"
	case state.ApprovalTimeout:
		return NodeDelivered, "approval window expired, auto-proceed"
	default:
		return NodeMishandled, "intervention rejected"
	}
}

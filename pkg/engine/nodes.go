package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bagtrail/bagtrail/pkg/agents"
	"github.com/bagtrail/bagtrail/pkg/policy"
	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/stores"
)

// markStage moves the bag to a new stage and appends the status-change
// event that every node execution records.
func markStage(st *state.WorkflowState, stage state.BagStatus, location string) {
	now := time.Now().UTC()
	st.Bag.CurrentStatus = stage
	if location != "" {
		st.Bag.CurrentLocation = location
		st.Bag.LastScanTime = now
	}
	st.Bag.UpdatedAt = now
	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventStatusUpdate, st.Bag.CurrentLocation, "engine",
		map[string]interface{}{"stage": string(stage)}))
}

// checkInNode accepts the bag into the pipeline and asks the prediction
// collaborator for an initial mishandling risk score.
func (o *Orchestrator) checkInNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusCheckIn, st.Bag.OriginAirport+" CHECK-IN")

	request := map[string]interface{}{
		agents.FieldFlightID:         st.Bag.OriginFlight,
		agents.FieldDepartureAirport: st.Bag.OriginAirport,
		agents.FieldArrivalAirport:   st.Bag.DestinationAirport,
	}
	if st.Connection != nil && st.Connection.HasConnection {
		request[agents.FieldConnectionTime] = float64(st.Connection.ConnectionBufferMinutes)
	}

	if result, ok := o.invokeAgent(ctx, st, NodeCheckIn, agents.AgentPrediction, request); ok {
		applyRiskResult(st.Bag, result)
		if st.Bag.RiskLevel == state.RiskHigh || st.Bag.RiskLevel == state.RiskCritical {
			alert := state.NewAlert(state.RiskHigh, fmt.Sprintf(
				"high mishandling risk detected at check-in: score %.0f", st.Bag.RiskScore))
			st.Bag.Alerts = append(st.Bag.Alerts, alert)
			st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventAlertTriggered, st.Bag.CurrentLocation, "engine",
				map[string]interface{}{"message": alert.Message, "severity": string(alert.Severity)}))
		}
	}
	return nil
}

// securityScreeningNode clears the bag through screening. No collaborator.
func (o *Orchestrator) securityScreeningNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusSecurityScreening, st.Bag.CurrentLocation)
	return nil
}

// sortingNode routes the bag through the sort system and checks the
// infrastructure-health collaborator; a degraded sorter raises an alert.
func (o *Orchestrator) sortingNode(ctx context.Context, st *state.WorkflowState) error {
	airport := st.Bag.OriginAirport
	if contains(st.PreviousNodes, string(NodeTransfer)) && st.Bag.ConnectionAirport != "" {
		airport = st.Bag.ConnectionAirport
	}
	markStage(st, state.StatusSorting, airport+" SORT FACILITY")

	result, ok := o.invokeAgent(ctx, st, NodeSorting, agents.AgentInfrastructureHealth, map[string]interface{}{
		agents.FieldAirportCode:   airport,
		agents.FieldEquipmentType: "sorting_system",
	})
	if !ok {
		return nil
	}

	if health, ok := toFloat(result[agents.ResultOverallHealth]); ok && health < 70 {
		alert := state.NewAlert(state.RiskMedium, fmt.Sprintf(
			"sorting system health at %s is %.0f, below operational threshold 70", airport, health))
		st.Bag.Alerts = append(st.Bag.Alerts, alert)
		st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventAlertTriggered, st.Bag.CurrentLocation, "engine",
			map[string]interface{}{"message": alert.Message, "severity": string(alert.Severity)}))
	}
	return nil
}

// loadingNode loads the bag onto the aircraft. No collaborator.
func (o *Orchestrator) loadingNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusLoading, st.Bag.CurrentLocation)
	return nil
}

// inFlightNode marks the bag airborne.
func (o *Orchestrator) inFlightNode(ctx context.Context, st *state.WorkflowState) error {
	flight := st.Bag.OriginFlight
	if contains(st.PreviousNodes, string(NodeTransfer)) && st.Bag.ConnectionFlight != "" {
		flight = st.Bag.ConnectionFlight
	}
	markStage(st, state.StatusInFlight, "IN TRANSIT "+flight)
	return nil
}

// arrivalNode unloads the bag at the destination.
func (o *Orchestrator) arrivalNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusArrival, st.Bag.DestinationAirport+" ARRIVAL")
	return nil
}

// transferNode moves the bag between carriers at the connection airport,
// consulting the route-optimization collaborator for the transfer path. The
// connection leg is consumed here so the next pass through in_flight routes
// to arrival.
func (o *Orchestrator) transferNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusTransfer, st.Bag.ConnectionAirport+" TRANSFER")

	result, ok := o.invokeAgent(ctx, st, NodeTransfer, agents.AgentRouteOptimization, map[string]interface{}{
		agents.FieldOrigin:      st.Bag.ConnectionAirport,
		agents.FieldDestination: st.Bag.DestinationAirport,
		"priority":              string(st.Bag.RiskLevel),
	})

	if ok && st.Connection != nil {
		if route, isMap := result[agents.ResultOptimalRoute].(map[string]interface{}); isMap {
			if reliability, has := toFloat(route[agents.ResultReliabilityScore]); has && reliability < 0.85 {
				st.Connection.ConnectionAtRisk = true
				alert := state.NewAlert(state.RiskHigh, fmt.Sprintf(
					"transfer route reliability %.2f below 0.85 at %s", reliability, st.Bag.ConnectionAirport))
				st.Bag.Alerts = append(st.Bag.Alerts, alert)
				st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventAlertTriggered, st.Bag.CurrentLocation, "engine",
					map[string]interface{}{"message": alert.Message, "severity": string(alert.Severity)}))
			}
		}
	}

	if st.Connection != nil {
		st.Connection.HasConnection = false
		st.Connection.HandlerNotified = true
	}
	return nil
}

// claimNode puts the bag on the carousel and decides whether releasing it
// needs human sign-off.
func (o *Orchestrator) claimNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusClaim, st.Bag.DestinationAirport+" BAGGAGE CLAIM")

	required, role, reason := o.approvalRequired(ctx, st, policy.ActionClaimRelease, 0)
	st.Intervention.RequiresApproval = required
	if required {
		st.Intervention.ApproverRole = role
		o.logger.WithBagID(st.Bag.BagID).WithField("reason", reason).
			Info("Claim release gated on approval")
	}
	return nil
}

// deliveredNode hands the bag over and completes the workflow. Resolved
// interventions are finalized into the bag's permanent record.
func (o *Orchestrator) deliveredNode(ctx context.Context, st *state.WorkflowState) error {
	markStage(st, state.StatusDelivered, st.Bag.CurrentLocation)
	o.finalizeInterventions(st)

	now := time.Now().UTC()
	st.Status = state.WorkflowCompleted
	st.CompletedAt = &now
	return nil
}

// mishandledNode moves the bag into an exception stage and notifies the
// passenger through the customer-messaging collaborator. Rejected
// interventions that routed the workflow here are finalized as failed.
func (o *Orchestrator) mishandledNode(ctx context.Context, st *state.WorkflowState) error {
	stage := st.Bag.CurrentStatus
	if !stage.IsException() {
		stage = state.StatusDelayed
	}
	markStage(st, stage, st.Bag.CurrentLocation)
	o.finalizeInterventions(st)

	alert := state.NewAlert(state.RiskHigh, fmt.Sprintf("bag %s mishandled: %s", st.Bag.BagID, stage))
	st.Bag.Alerts = append(st.Bag.Alerts, alert)

	o.invokeAgent(ctx, st, NodeMishandled, agents.AgentCustomerService, map[string]interface{}{
		agents.FieldCustomerQuery: fmt.Sprintf("Bag %s has been reported %s.", st.Bag.TagNumber, stage),
		agents.FieldBagTag:        st.Bag.TagNumber,
	})
	return nil
}

// rootCauseNode asks the root-cause collaborator why the bag was mishandled.
func (o *Orchestrator) rootCauseNode(ctx context.Context, st *state.WorkflowState) error {
	now := time.Now().UTC()
	st.Bag.UpdatedAt = now

	result, ok := o.invokeAgent(ctx, st, NodeRootCause, agents.AgentRootCause, map[string]interface{}{
		agents.FieldIncidentID:   st.Bag.BagID,
		agents.FieldIncidentType: string(st.Bag.CurrentStatus),
	})
	if ok {
		if cause, isStr := result[agents.ResultPrimaryCause].(string); isStr {
			st.Bag.RiskFactors = append(st.Bag.RiskFactors, cause)
		}
	}
	return nil
}

// compensationNode computes the payout for the incident and decides whether
// it needs sign-off. Without sign-off the incident is resolved and the
// workflow completes here.
func (o *Orchestrator) compensationNode(ctx context.Context, st *state.WorkflowState) error {
	amount := 0.0
	result, ok := o.invokeAgent(ctx, st, NodeCompensation, agents.AgentCompensation, map[string]interface{}{
		agents.FieldClaimID:       st.Bag.BagID,
		agents.FieldIncidentType:  string(st.Bag.CurrentStatus),
		agents.FieldDeclaredValue: st.Bag.DeclaredValue,
	})
	if ok {
		amount, _ = toFloat(result[agents.ResultCompensationAmount])
	}

	required, role, reason := o.approvalRequired(ctx, st, policy.ActionCompensation, amount)
	st.Intervention.RequiresApproval = required

	if required {
		st.Intervention.ApproverRole = role
		o.logger.WithBagID(st.Bag.BagID).WithField("amount", amount).WithField("reason", reason).
			Info("Compensation gated on approval")
		return nil
	}

	// Payout is within authority; resolve the incident and finish.
	now := time.Now().UTC()
	iv := state.NewIntervention(policy.ActionCompensation,
		fmt.Sprintf("compensation $%.2f for %s bag", amount, st.Bag.CurrentStatus), 1, false)
	iv.Executed = true
	iv.ExecutedAt = &now
	iv.ApprovalStatus = state.ApprovalApproved
	iv.Result = map[string]interface{}{"amount": amount}
	st.Bag.Interventions = append(st.Bag.Interventions, iv)
	st.Intervention.InterventionsExecuted++

	markStage(st, state.StatusResolved, st.Bag.CurrentLocation)
	st.Status = state.WorkflowCompleted
	st.CompletedAt = &now
	return nil
}

// requestApprovalNode creates the pending intervention and the queryable
// approval record that an approver acts on.
func (o *Orchestrator) requestApprovalNode(ctx context.Context, st *state.WorkflowState) error {
	if firstUnresolvedIntervention(st) != nil {
		// A re-run after a checkpoint conflict; the request already exists.
		return nil
	}

	action := policy.ActionClaimRelease
	reason := fmt.Sprintf("declared value $%.2f exceeds approval threshold $%.2f",
		st.Bag.DeclaredValue, st.Intervention.ApprovalThresholdValue)
	if len(st.PreviousNodes) > 0 && st.PreviousNodes[len(st.PreviousNodes)-1] == string(NodeCompensation) {
		action = policy.ActionCompensation
		amount := 0.0
		if result, ok := st.AgentResults[agents.AgentCompensation]; ok {
			amount, _ = toFloat(result[agents.ResultCompensationAmount])
		}
		reason = fmt.Sprintf("compensation payout $%.2f requires sign-off", amount)
	}

	role := st.Intervention.ApproverRole
	if role == "" {
		role = policy.RoleSupervisor
	}

	iv := state.NewIntervention(action, reason, 1, true)
	st.Intervention.PendingInterventions = append(st.Intervention.PendingInterventions, iv)
	st.Intervention.InterventionsPending++

	timeout := time.Duration(st.Intervention.ApprovalTimeoutMinutes) * time.Minute
	if o.opts.ApprovalTimeout > 0 {
		timeout = o.opts.ApprovalTimeout
	}

	_, err := o.store.SaveApprovalRequest(ctx, &stores.ApprovalRequest{
		WorkflowID:     st.WorkflowID,
		BagID:          st.Bag.BagID,
		InterventionID: iv.InterventionID,
		Action:         action,
		Reason:         reason,
		ApproverRole:   role,
		TimeoutAt:      time.Now().UTC().Add(timeout),
	})
	if err != nil {
		return NewPermanentError("failed to save approval request", err).
			WithBag(st.Bag.BagID).WithNode(string(NodeRequestApproval)).WithCode(ErrCodePersistence)
	}

	o.metrics.RecordApprovalRequested(action)
	o.logger.WithBagID(st.Bag.BagID).
		WithField("intervention_id", iv.InterventionID).
		WithField("approver_role", role).
		Info("Approval requested")
	return nil
}

// waitForApprovalNode pauses the workflow until the pending intervention is
// resolved or its timeout expires. Expiry marks the approval `timeout`,
// which the transition rule treats the same as approved (auto-proceed).
func (o *Orchestrator) waitForApprovalNode(ctx context.Context, st *state.WorkflowState) error {
	iv := firstUnresolvedIntervention(st)
	if iv == nil {
		return nil
	}

	timeout := time.Duration(st.Intervention.ApprovalTimeoutMinutes) * time.Minute
	if o.opts.ApprovalTimeout > 0 {
		timeout = o.opts.ApprovalTimeout
	}
	deadline := time.Now().Add(timeout)

	// Persist the paused status so operators and the event subsystem see
	// the workflow is waiting. A conflict here means an approval already
	// landed through the event path; adopt the fresh state and re-check.
	st.Status = state.WorkflowPaused
	if _, err := o.store.SaveCheckpoint(ctx, st.WorkflowID, st.Bag.BagID, string(NodeWaitForApproval), st); err != nil {
		if !errors.Is(err, stores.ErrVersionConflict) {
			return NewPermanentError("failed to persist paused workflow", err).
				WithBag(st.Bag.BagID).WithNode(string(NodeWaitForApproval)).WithCode(ErrCodePersistence)
		}
		cp, lerr := o.store.LoadLatestCheckpoint(ctx, st.Bag.BagID)
		if lerr != nil {
			return NewPermanentError("failed to re-read state after conflict", lerr).
				WithBag(st.Bag.BagID).WithNode(string(NodeWaitForApproval)).WithCode(ErrCodePersistence)
		}
		*st = *cp.State
		iv = firstUnresolvedIntervention(st)
		if iv == nil {
			st.Status = state.WorkflowRunning
			return nil
		}
	}

	log := o.logger.WithBagID(st.Bag.BagID).WithField("intervention_id", iv.InterventionID)
	log.Info("Waiting for approval")

	ticker := time.NewTicker(o.opts.ApprovalPollInterval)
	defer ticker.Stop()

	for !iv.ApprovalStatus.Resolved() {
		ar, err := o.store.GetApprovalByIntervention(ctx, iv.InterventionID)
		switch {
		case err == nil && ar.Status.Resolved():
			now := time.Now().UTC()
			iv.ApprovalStatus = ar.Status
			iv.ApprovedBy = ar.ApprovedBy
			iv.ApprovedAt = &now
			log.WithField("status", ar.Status).Info("Approval resolved")
		case err != nil && !errors.Is(err, stores.ErrNotFound):
			return NewPermanentError("failed to poll approval record", err).
				WithBag(st.Bag.BagID).WithNode(string(NodeWaitForApproval)).WithCode(ErrCodePersistence)
		}
		if iv.ApprovalStatus.Resolved() {
			break
		}

		if time.Now().After(deadline) {
			now := time.Now().UTC()
			iv.ApprovalStatus = state.ApprovalTimeout
			iv.ApprovedAt = &now
			if err == nil {
				if uerr := o.store.UpdateApprovalStatus(ctx, ar.ApprovalID, state.ApprovalTimeout, "", "approval window expired"); uerr != nil {
					log.WithError(uerr).Warn("Failed to mark approval record timed out")
				}
			}
			o.metrics.RecordApprovalResolved(string(state.ApprovalTimeout))
			st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventApprovalReceived, st.Bag.CurrentLocation, "engine",
				map[string]interface{}{"intervention_id": iv.InterventionID, "status": string(state.ApprovalTimeout)}))
			log.Warn("Approval window expired, auto-proceeding")
			break
		}

		select {
		case <-ctx.Done():
			return NewPermanentError("cancelled while waiting for approval", ctx.Err()).
				WithBag(st.Bag.BagID).WithNode(string(NodeWaitForApproval)).WithCode(ErrCodeTimeout)
		case <-ticker.C:
		}
	}

	st.Status = state.WorkflowRunning
	return nil
}

// approvalRequired consults the policy engine, falling back to a plain
// threshold comparison when no decider is wired or evaluation fails.
func (o *Orchestrator) approvalRequired(ctx context.Context, st *state.WorkflowState, action string, compensation float64) (bool, string, string) {
	if o.decider != nil {
		incident := ""
		if st.Bag.CurrentStatus.IsException() {
			incident = string(st.Bag.CurrentStatus)
		}
		decision, err := o.decider.EvaluateApproval(ctx, &policy.ApprovalInput{
			BagID:              st.Bag.BagID,
			Action:             action,
			DeclaredValue:      st.Bag.DeclaredValue,
			CompensationAmount: compensation,
			ApprovalThreshold:  st.Intervention.ApprovalThresholdValue,
			RiskLevel:          string(st.Bag.RiskLevel),
			IncidentType:       incident,
		})
		if err == nil {
			reason := ""
			if len(decision.Reasons) > 0 {
				reason = decision.Reasons[0]
			}
			return decision.Required, decision.ApproverRole, reason
		}
		o.logger.WithBagID(st.Bag.BagID).WithError(err).
			Warn("Policy evaluation failed, falling back to threshold rule")
	}

	threshold := st.Intervention.ApprovalThresholdValue
	switch action {
	case policy.ActionCompensation:
		if compensation > threshold {
			return true, policy.RoleSupervisor, fmt.Sprintf("compensation $%.2f exceeds threshold $%.2f", compensation, threshold)
		}
	default:
		if st.Bag.DeclaredValue > threshold {
			return true, policy.RoleSupervisor, fmt.Sprintf("declared value $%.2f exceeds threshold $%.2f", st.Bag.DeclaredValue, threshold)
		}
	}
	return false, "", ""
}

// applyRiskResult copies a prediction result onto the bag's risk fields.
func applyRiskResult(bag *state.BagState, result map[string]interface{}) {
	if score, ok := toFloat(result[agents.ResultRiskScore]); ok {
		bag.RiskScore = score
		bag.RiskLevel = state.RiskLevelFromScore(score)
	}
	if factors, ok := result[agents.ResultRiskFactors].([]interface{}); ok {
		for _, f := range factors {
			if s, ok := f.(string); ok {
				bag.RiskFactors = append(bag.RiskFactors, s)
			}
		}
	}
}

// firstUnresolvedIntervention returns the oldest pending intervention that
// still needs a decision.
func firstUnresolvedIntervention(st *state.WorkflowState) *state.Intervention {
	for i := range st.Intervention.PendingInterventions {
		if !st.Intervention.PendingInterventions[i].ApprovalStatus.Resolved() {
			return &st.Intervention.PendingInterventions[i]
		}
	}
	return nil
}

// firstResolvedIntervention returns the oldest resolved, not yet finalized
// pending intervention; the wait transition routes on its status.
func firstResolvedIntervention(st *state.WorkflowState) *state.Intervention {
	for i := range st.Intervention.PendingInterventions {
		if st.Intervention.PendingInterventions[i].ApprovalStatus.Resolved() {
			return &st.Intervention.PendingInterventions[i]
		}
	}
	return nil
}

// finalizeInterventions moves resolved interventions out of the pending
// queue into the bag's permanent record, updating the counters.
func (o *Orchestrator) finalizeInterventions(st *state.WorkflowState) {
	now := time.Now().UTC()
	remaining := st.Intervention.PendingInterventions[:0]

	for _, iv := range st.Intervention.PendingInterventions {
		if !iv.ApprovalStatus.Resolved() {
			remaining = append(remaining, iv)
			continue
		}

		st.Intervention.InterventionsPending--
		if iv.ApprovalStatus == state.ApprovalRejected {
			st.Intervention.InterventionsFailed++
		} else {
			iv.Executed = true
			iv.ExecutedAt = &now
			st.Intervention.InterventionsExecuted++
		}
		st.Bag.Interventions = append(st.Bag.Interventions, iv)
	}

	st.Intervention.PendingInterventions = remaining
	if st.Intervention.InterventionsPending < 0 {
		st.Intervention.InterventionsPending = 0
	}
}

// contains reports whether list holds v.
func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// toFloat pulls a numeric field out of a loosely typed agent result.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

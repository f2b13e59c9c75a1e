package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bagtrail/bagtrail/pkg/agents"
	"github.com/bagtrail/bagtrail/pkg/engine"
	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/stores"
)

// connectionRiskThreshold is the buffer, in minutes, below which a delayed
// connection is flagged at risk. Tighter than the minimum connection time:
// a buffer under the MCT is uncomfortable, under 30 it needs intervention.
const connectionRiskThreshold = 30

// handleLocationScan updates the bag's position from a scanner read. A scan
// at a claim or sorting area also advances the stage, since the physical bag
// is already there whether or not the orchestrator caught up.
func (p *Processor) handleLocationScan(ctx context.Context, bagID string, data map[string]interface{}, st *state.WorkflowState) (*Result, error) {
	location, _ := data["location"].(string)
	if location == "" {
		return nil, engine.NewPermanentError("location scan requires a location", nil).
			WithBag(bagID).WithCode(engine.ErrCodeValidation)
	}

	now := time.Now().UTC()
	st.Bag.CurrentLocation = location
	st.Bag.LastScanTime = now
	st.Bag.UpdatedAt = now

	message := fmt.Sprintf("bag scanned at %s", location)

	upper := strings.ToUpper(location)
	if !st.Bag.CurrentStatus.IsException() {
		switch {
		case strings.Contains(upper, "CLAIM") || strings.Contains(upper, "CAROUSEL"):
			st.Bag.CurrentStatus = state.StatusClaim
			message = fmt.Sprintf("bag scanned at %s, stage advanced to claim", location)
		case strings.Contains(upper, "SORTING") || strings.Contains(upper, "SORT FACILITY"):
			st.Bag.CurrentStatus = state.StatusSorting
			message = fmt.Sprintf("bag scanned at %s, stage advanced to sorting", location)
		}
	}

	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventLocationScan, location, "external", data))

	id, err := p.saveCheckpoint(ctx, bagID, st)
	if err != nil {
		return nil, err
	}

	return &Result{
		BagID:        bagID,
		EventType:    state.EventLocationScan,
		Handled:      true,
		Message:      message,
		Stage:        st.Bag.CurrentStatus,
		CheckpointID: id,
	}, nil
}

// handleFlightDelay shrinks the connection buffer by the delay and, when the
// buffer falls below the risk threshold, flags the connection at risk and
// refreshes the risk score from the prediction collaborator.
func (p *Processor) handleFlightDelay(ctx context.Context, bagID string, data map[string]interface{}, st *state.WorkflowState) (*Result, error) {
	delay, ok := toFloat(data["delay_minutes"])
	if !ok || delay < 0 {
		return nil, engine.NewPermanentError("flight delay requires a non-negative delay_minutes", nil).
			WithBag(bagID).WithCode(engine.ErrCodeValidation)
	}

	now := time.Now().UTC()
	st.Bag.UpdatedAt = now
	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventFlightDelay, st.Bag.CurrentLocation, "external", data))

	message := fmt.Sprintf("flight delayed %d minutes, no connection affected", int(delay))

	if st.Connection != nil && st.Connection.HasConnection {
		st.Connection.ConnectionBufferMinutes -= int(delay)
		message = fmt.Sprintf("flight delayed %d minutes, connection buffer now %d minutes",
			int(delay), st.Connection.ConnectionBufferMinutes)

		if st.Connection.ConnectionBufferMinutes < connectionRiskThreshold {
			st.Connection.ConnectionAtRisk = true
			p.refreshRiskScore(ctx, st)

			alert := state.NewAlert(state.RiskHigh, fmt.Sprintf(
				"connection at risk for bag %s: %d minutes remaining, threshold is %d",
				bagID, st.Connection.ConnectionBufferMinutes, connectionRiskThreshold))
			st.Bag.Alerts = append(st.Bag.Alerts, alert)
			st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventAlertTriggered, st.Bag.CurrentLocation, "engine",
				map[string]interface{}{"message": alert.Message, "severity": string(alert.Severity)}))
		}
	}

	id, err := p.saveCheckpoint(ctx, bagID, st)
	if err != nil {
		return nil, err
	}

	return &Result{
		BagID:        bagID,
		EventType:    state.EventFlightDelay,
		Handled:      true,
		Message:      message,
		Stage:        st.Bag.CurrentStatus,
		CheckpointID: id,
	}, nil
}

// refreshRiskScore re-invokes the prediction collaborator with the reduced
// connection buffer. A failure is recorded and the stale score kept.
func (p *Processor) refreshRiskScore(ctx context.Context, st *state.WorkflowState) {
	if p.invoker == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := p.invoker.Invoke(callCtx, agents.AgentPrediction, map[string]interface{}{
		agents.FieldFlightID:         st.Bag.OriginFlight,
		agents.FieldDepartureAirport: st.Bag.OriginAirport,
		agents.FieldArrivalAirport:   st.Bag.DestinationAirport,
		agents.FieldConnectionTime:   float64(st.Connection.ConnectionBufferMinutes),
	})
	if err != nil {
		p.logger.WithBagID(st.Bag.BagID).WithAgent(agents.AgentPrediction).WithError(err).
			Warn("Risk refresh failed, keeping previous score")
		p.metrics.RecordAgentError(agents.AgentPrediction, st.CurrentNode)
		st.Errors = append(st.Errors, state.WorkflowError{
			Node:      st.CurrentNode,
			Agent:     agents.AgentPrediction,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	st.AgentResults[agents.AgentPrediction] = result
	if score, ok := toFloat(result[agents.ResultRiskScore]); ok {
		st.Bag.RiskScore = score
		st.Bag.RiskLevel = state.RiskLevelFromScore(score)
	}
	if factors, ok := result[agents.ResultRiskFactors].([]interface{}); ok {
		st.Bag.RiskFactors = st.Bag.RiskFactors[:0]
		for _, f := range factors {
			if s, ok := f.(string); ok {
				st.Bag.RiskFactors = append(st.Bag.RiskFactors, s)
			}
		}
	}
}

// handleMishandling moves the bag to the matching exception stage and asks
// the customer-messaging collaborator to contact the passenger.
func (p *Processor) handleMishandling(ctx context.Context, bagID string, data map[string]interface{}, st *state.WorkflowState) (*Result, error) {
	incidentType, _ := data["incident_type"].(string)

	var stage state.BagStatus
	switch incidentType {
	case "lost":
		stage = state.StatusLost
	case "damaged":
		stage = state.StatusDamaged
	case "delayed", "":
		stage = state.StatusDelayed
		incidentType = "delayed"
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown incident type %q", incidentType), nil).
			WithBag(bagID).WithCode(engine.ErrCodeValidation)
	}

	now := time.Now().UTC()
	st.Bag.CurrentStatus = stage
	st.Bag.UpdatedAt = now
	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventMishandlingDetected, st.Bag.CurrentLocation, "external", data))

	alert := state.NewAlert(state.RiskHigh, fmt.Sprintf("bag %s reported %s", bagID, incidentType))
	st.Bag.Alerts = append(st.Bag.Alerts, alert)

	if p.invoker != nil {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		result, err := p.invoker.Invoke(callCtx, agents.AgentCustomerService, map[string]interface{}{
			agents.FieldCustomerQuery: fmt.Sprintf("Bag %s has been reported %s.", st.Bag.TagNumber, incidentType),
			agents.FieldBagTag:        st.Bag.TagNumber,
		})
		cancel()
		if err != nil {
			p.logger.WithBagID(bagID).WithAgent(agents.AgentCustomerService).WithError(err).
				Warn("Customer messaging failed")
			p.metrics.RecordAgentError(agents.AgentCustomerService, st.CurrentNode)
			st.Errors = append(st.Errors, state.WorkflowError{
				Node:      st.CurrentNode,
				Agent:     agents.AgentCustomerService,
				Message:   err.Error(),
				Timestamp: now,
			})
		} else {
			st.AgentResults[agents.AgentCustomerService] = result
		}
	}

	id, err := p.saveCheckpoint(ctx, bagID, st)
	if err != nil {
		return nil, err
	}

	return &Result{
		BagID:        bagID,
		EventType:    state.EventMishandlingDetected,
		Handled:      true,
		Message:      fmt.Sprintf("bag marked %s", incidentType),
		Stage:        stage,
		CheckpointID: id,
	}, nil
}

// handleApprovalReceived resolves a pending intervention and the matching
// external approval-request record.
func (p *Processor) handleApprovalReceived(ctx context.Context, bagID string, data map[string]interface{}, st *state.WorkflowState) (*Result, error) {
	statusStr, _ := data["status"].(string)
	approvalStatus := state.ApprovalStatus(statusStr)
	if approvalStatus != state.ApprovalApproved && approvalStatus != state.ApprovalRejected {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("approval status must be approved or rejected, got %q", statusStr), nil).
			WithBag(bagID).WithCode(engine.ErrCodeValidation)
	}

	interventionID, _ := data["intervention_id"].(string)
	approver, _ := data["approver"].(string)
	comments, _ := data["comments"].(string)

	var iv *state.Intervention
	for i := range st.Intervention.PendingInterventions {
		candidate := &st.Intervention.PendingInterventions[i]
		if candidate.ApprovalStatus != state.ApprovalPending {
			continue
		}
		if interventionID == "" || candidate.InterventionID == interventionID {
			iv = candidate
			break
		}
	}
	if iv == nil {
		return nil, engine.NewPermanentError("no matching pending intervention", nil).
			WithBag(bagID).WithCode(engine.ErrCodeNotFound)
	}

	now := time.Now().UTC()
	iv.ApprovalStatus = approvalStatus
	iv.ApprovedBy = approver
	iv.ApprovedAt = &now

	st.Bag.UpdatedAt = now
	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventApprovalReceived, st.Bag.CurrentLocation, "operator", data))

	// Keep the queryable approval record in step with the checkpoint blob.
	ar, err := p.store.GetApprovalByIntervention(ctx, iv.InterventionID)
	switch {
	case err == nil:
		if err := p.store.UpdateApprovalStatus(ctx, ar.ApprovalID, approvalStatus, approver, comments); err != nil {
			return nil, engine.NewPermanentError("failed to update approval record", err).
				WithBag(bagID).WithCode(engine.ErrCodePersistence)
		}
		p.metrics.RecordApprovalResolved(string(approvalStatus))
	case errors.Is(err, stores.ErrNotFound):
		p.logger.WithBagID(bagID).WithField("intervention_id", iv.InterventionID).
			Warn("No approval record for intervention, updating checkpoint only")
	default:
		return nil, engine.NewPermanentError("failed to look up approval record", err).
			WithBag(bagID).WithCode(engine.ErrCodePersistence)
	}

	id, err := p.saveCheckpoint(ctx, bagID, st)
	if err != nil {
		return nil, err
	}

	return &Result{
		BagID:        bagID,
		EventType:    state.EventApprovalReceived,
		Handled:      true,
		Message:      fmt.Sprintf("intervention %s %s by %s", iv.InterventionID, approvalStatus, approver),
		Stage:        st.Bag.CurrentStatus,
		CheckpointID: id,
	}, nil
}

// handleStatusUpdate applies a direct stage override from an operator.
func (p *Processor) handleStatusUpdate(ctx context.Context, bagID string, data map[string]interface{}, st *state.WorkflowState) (*Result, error) {
	statusStr, _ := data["status"].(string)
	stage, ok := parseBagStatus(statusStr)
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown bag status %q", statusStr), nil).
			WithBag(bagID).WithCode(engine.ErrCodeValidation)
	}

	now := time.Now().UTC()
	st.Bag.CurrentStatus = stage
	st.Bag.UpdatedAt = now
	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventStatusUpdate, st.Bag.CurrentLocation, "operator", data))

	id, err := p.saveCheckpoint(ctx, bagID, st)
	if err != nil {
		return nil, err
	}

	return &Result{
		BagID:        bagID,
		EventType:    state.EventStatusUpdate,
		Handled:      true,
		Message:      fmt.Sprintf("stage overridden to %s", stage),
		Stage:        stage,
		CheckpointID: id,
	}, nil
}

// parseBagStatus maps a string onto the closed set of bag stages.
func parseBagStatus(s string) (state.BagStatus, bool) {
	switch stage := state.BagStatus(s); stage {
	case state.StatusCheckIn, state.StatusSecurityScreening, state.StatusSorting,
		state.StatusLoading, state.StatusInFlight, state.StatusArrival,
		state.StatusTransfer, state.StatusClaim, state.StatusDelivered,
		state.StatusDelayed, state.StatusLost, state.StatusDamaged, state.StatusResolved:
		return stage, true
	default:
		return "", false
	}
}

// toFloat pulls a numeric field out of loosely typed event data.
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

// Package agents defines the collaborator contract between the orchestration
// engine and the decision agents, plus in-process invokers used by the CLI
// and tests. Agents are black boxes: they accept a structured request and
// return a structured result, and never mutate caller state.
package agents

import (
	"context"
)

// Known agent names. The engine and event subsystem invoke agents only
// through these identifiers.
const (
	AgentPrediction           = "prediction"
	AgentRouteOptimization    = "route_optimization"
	AgentInfrastructureHealth = "infrastructure_health"
	AgentDemandForecast       = "demand_forecast"
	AgentCustomerService      = "customer_service"
	AgentCompensation         = "compensation"
	AgentRootCause            = "root_cause"
)

// Request and result field names shared across agents. Requests may carry
// partial or missing optional fields; agents must tolerate that.
const (
	FieldFlightID         = "flight_id"
	FieldDepartureAirport = "departure_airport"
	FieldArrivalAirport   = "arrival_airport"
	FieldConnectionTime   = "connection_time"
	FieldOrigin           = "origin"
	FieldDestination      = "destination"
	FieldAirportCode      = "airport_code"
	FieldEquipmentType    = "equipment_type"
	FieldCustomerQuery    = "customer_query"
	FieldBagTag           = "bag_tag"
	FieldClaimID          = "claim_id"
	FieldIncidentID       = "incident_id"
	FieldIncidentType     = "incident_type"
	FieldDeclaredValue    = "declared_value"

	ResultRiskScore          = "risk_score"
	ResultRiskLevel          = "risk_level"
	ResultRiskFactors        = "risk_factors"
	ResultRecommendations    = "recommendations"
	ResultOptimalRoute       = "optimal_route"
	ResultReliabilityScore   = "reliability_score"
	ResultOverallHealth      = "overall_health"
	ResultCompensationAmount = "compensation_amount"
	ResultRequiresApproval   = "requires_approval"
	ResultPrimaryCause       = "primary_cause"
	ResultResponse           = "response"
	ResultEscalate           = "escalate"
)

// Invoker is the collaborator contract used by every orchestrator node and by
// event handlers. Implementations may take up to tens of seconds; callers
// enforce their own timeout through ctx.
type Invoker interface {
	Invoke(ctx context.Context, agentName string, request map[string]interface{}) (map[string]interface{}, error)
}

// FuncInvoker adapts a function to the Invoker interface.
type FuncInvoker func(ctx context.Context, agentName string, request map[string]interface{}) (map[string]interface{}, error)

// Invoke implements Invoker.
func (f FuncInvoker) Invoke(ctx context.Context, agentName string, request map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, agentName, request)
}

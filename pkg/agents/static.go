package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StaticInvoker produces deterministic heuristic results for every known
// agent, so the pipeline can run end-to-end without live decision services.
type StaticInvoker struct {
	// Latency is added to every call to approximate a remote agent.
	Latency time.Duration
}

// NewStaticInvoker creates a static invoker with no artificial latency.
func NewStaticInvoker() *StaticInvoker {
	return &StaticInvoker{}
}

// Invoke implements Invoker.
func (s *StaticInvoker) Invoke(ctx context.Context, agentName string, request map[string]interface{}) (map[string]interface{}, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch agentName {
	case AgentPrediction:
		return s.predict(request), nil
	case AgentRouteOptimization:
		return s.optimizeRoute(request), nil
	case AgentInfrastructureHealth:
		return s.health(request), nil
	case AgentDemandForecast:
		return s.forecast(request), nil
	case AgentCustomerService:
		return s.customerService(request), nil
	case AgentCompensation:
		return s.compensation(request), nil
	case AgentRootCause:
		return s.rootCause(request), nil
	default:
		return nil, fmt.Errorf("unknown agent: %s", agentName)
	}
}

// predict scores mishandling risk from the connection buffer: tight
// connections dominate every other factor in practice.
func (s *StaticInvoker) predict(req map[string]interface{}) map[string]interface{} {
	score := 10.0
	factors := []interface{}{}

	if v, ok := toFloat(req[FieldConnectionTime]); ok {
		switch {
		case v < 30:
			score = 90
			factors = append(factors, "connection below 30 minutes")
		case v < 45:
			score = 65
			factors = append(factors, "connection below minimum connection time")
		case v < 90:
			score = 35
			factors = append(factors, "moderate connection buffer")
		}
	}

	level := "low"
	switch {
	case score >= 85:
		level = "critical"
	case score >= 60:
		level = "high"
	case score >= 30:
		level = "medium"
	}

	return map[string]interface{}{
		ResultRiskScore:       score,
		ResultRiskLevel:       level,
		ResultRiskFactors:     factors,
		ResultRecommendations: []interface{}{"monitor transfer window"},
	}
}

func (s *StaticInvoker) optimizeRoute(req map[string]interface{}) map[string]interface{} {
	origin, _ := req[FieldOrigin].(string)
	dest, _ := req[FieldDestination].(string)

	return map[string]interface{}{
		ResultOptimalRoute: map[string]interface{}{
			"path":                 []interface{}{origin, dest},
			ResultReliabilityScore: 0.95,
		},
		"segments":           []interface{}{map[string]interface{}{"from": origin, "to": dest, "mode": "conveyor"}},
		"equipment_used":     []interface{}{"sorter-a", "carousel-3"},
		"alternative_routes": []interface{}{},
	}
}

func (s *StaticInvoker) health(req map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		ResultOverallHealth: 92.0,
		"equipment_status": map[string]interface{}{
			"sorting_system": "operational",
		},
		"alerts": []interface{}{},
	}
}

func (s *StaticInvoker) forecast(req map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"predicted_volume":        1200.0,
		"peak_periods":            []interface{}{"06:00-09:00", "16:00-19:00"},
		"staffing_recommendation": "baseline plus two handlers at peak",
	}
}

func (s *StaticInvoker) customerService(req map[string]interface{}) map[string]interface{} {
	tag, _ := req[FieldBagTag].(string)
	return map[string]interface{}{
		ResultResponse: fmt.Sprintf("We are tracking bag %s and will keep you updated.", tag),
		"report_id":    uuid.New().String(),
		ResultEscalate: false,
	}
}

// compensation applies a flat schedule by incident type, capped by the
// declared value.
func (s *StaticInvoker) compensation(req map[string]interface{}) map[string]interface{} {
	incident, _ := req[FieldIncidentType].(string)
	declared, _ := toFloat(req[FieldDeclaredValue])

	amount := 75.0
	switch incident {
	case "lost":
		amount = 1500
	case "damaged":
		amount = 400
	case "delayed":
		amount = 150
	}
	if declared > 0 && amount > declared {
		amount = declared
	}

	return map[string]interface{}{
		ResultCompensationAmount: amount,
		ResultRequiresApproval:   amount > 500,
		"breakdown": map[string]interface{}{
			"base":     amount,
			"incident": incident,
		},
	}
}

func (s *StaticInvoker) rootCause(req map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		ResultPrimaryCause:     "missed transfer window",
		"contributing_factors": []interface{}{"inbound delay", "short connection"},
		ResultRecommendations:  []interface{}{"extend minimum connection time for this route"},
	}
}

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

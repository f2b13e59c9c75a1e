package state

import (
	"testing"
)

func validParams() NewBagParams {
	return NewBagParams{
		BagID:              "BAG-1",
		TagNumber:          "TAG-1",
		PassengerID:        "PAX-1",
		OriginFlight:       "UA0123",
		OriginAirport:      "SFO",
		DestinationAirport: "JFK",
		WeightKg:           18.5,
		DeclaredValue:      250,
	}
}

func TestNewBagStateDefaults(t *testing.T) {
	bag, err := NewBagState(validParams())
	if err != nil {
		t.Fatalf("failed to create bag: %v", err)
	}

	if bag.CurrentStatus != StatusCheckIn {
		t.Errorf("fresh bag status is %s, want check_in", bag.CurrentStatus)
	}
	if bag.CurrentLocation != "SFO" {
		t.Errorf("fresh bag location is %s, want origin airport", bag.CurrentLocation)
	}
	if bag.Version != 1 {
		t.Errorf("fresh bag version is %d, want 1", bag.Version)
	}
	if bag.RiskLevel != RiskLow || bag.RiskScore != 0 {
		t.Errorf("fresh bag risk is %s/%.0f, want low/0", bag.RiskLevel, bag.RiskScore)
	}
	if bag.Events == nil || bag.Alerts == nil || bag.Interventions == nil {
		t.Error("history slices not initialized")
	}
}

func TestNewBagStateValidation(t *testing.T) {
	cases := map[string]func(*NewBagParams){
		"missing bag id":      func(p *NewBagParams) { p.BagID = "" },
		"missing tag":         func(p *NewBagParams) { p.TagNumber = "" },
		"missing passenger":   func(p *NewBagParams) { p.PassengerID = "" },
		"missing flight":      func(p *NewBagParams) { p.OriginFlight = "" },
		"bad origin airport":  func(p *NewBagParams) { p.OriginAirport = "SFOX" },
		"bad dest airport":    func(p *NewBagParams) { p.DestinationAirport = "JF" },
		"zero weight":         func(p *NewBagParams) { p.WeightKg = 0 },
		"negative value":      func(p *NewBagParams) { p.DeclaredValue = -1 },
	}

	for name, mutate := range cases {
		p := validParams()
		mutate(&p)
		if _, err := NewBagState(p); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestNewWorkflowStateConnection(t *testing.T) {
	p := validParams()
	p.ConnectionFlight = "BA0456"
	p.ConnectionAirport = "ORD"
	bag, err := NewBagState(p)
	if err != nil {
		t.Fatalf("failed to create bag: %v", err)
	}

	st, err := NewWorkflowState(bag, true)
	if err != nil {
		t.Fatalf("failed to create workflow state: %v", err)
	}
	if st.Connection == nil || !st.Connection.HasConnection {
		t.Fatal("connecting bag has no connection sub-state")
	}
	if st.Connection.MinimumConnectionTime != DefaultMinimumConnectionTime {
		t.Errorf("minimum connection time is %d, want %d",
			st.Connection.MinimumConnectionTime, DefaultMinimumConnectionTime)
	}
	if st.Connection.OutboundFlight != "BA0456" {
		t.Errorf("outbound flight is %s, want BA0456", st.Connection.OutboundFlight)
	}

	direct, err := NewWorkflowState(bag, false)
	if err != nil {
		t.Fatalf("failed to create direct workflow state: %v", err)
	}
	if direct.Connection != nil {
		t.Error("direct bag carries a connection sub-state")
	}
}

func TestNewWorkflowStateDefaults(t *testing.T) {
	bag, _ := NewBagState(validParams())
	st, err := NewWorkflowState(bag, false)
	if err != nil {
		t.Fatalf("failed to create workflow state: %v", err)
	}

	if st.CurrentNode != "check_in" {
		t.Errorf("fresh workflow starts at %s, want check_in", st.CurrentNode)
	}
	if st.Status != WorkflowRunning {
		t.Errorf("fresh workflow status is %s, want running", st.Status)
	}
	if st.MaxRetries != DefaultMaxRetries {
		t.Errorf("max retries is %d, want %d", st.MaxRetries, DefaultMaxRetries)
	}
	if st.Intervention.ApprovalThresholdValue != DefaultApprovalThresholdValue {
		t.Errorf("approval threshold is %.0f, want %.0f",
			st.Intervention.ApprovalThresholdValue, DefaultApprovalThresholdValue)
	}
	if st.WorkflowID == "" {
		t.Error("workflow id not generated")
	}

	if _, err := NewWorkflowState(nil, false); err == nil {
		t.Error("nil bag accepted")
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []BagStatus{StatusDelivered, StatusResolved} {
		if !s.IsTerminal() {
			t.Errorf("%s not classified terminal", s)
		}
	}
	for _, s := range []BagStatus{StatusDelayed, StatusLost, StatusDamaged} {
		if !s.IsException() {
			t.Errorf("%s not classified exception", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s classified terminal", s)
		}
	}
	if StatusInFlight.IsException() || StatusInFlight.IsTerminal() {
		t.Error("in_flight misclassified")
	}
}

func TestRiskLevelFromScore(t *testing.T) {
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{0, RiskLow},
		{29.9, RiskLow},
		{30, RiskMedium},
		{60, RiskHigh},
		{85, RiskCritical},
		{100, RiskCritical},
	}
	for _, c := range cases {
		if got := RiskLevelFromScore(c.score); got != c.want {
			t.Errorf("score %.1f mapped to %s, want %s", c.score, got, c.want)
		}
	}
}

func TestApprovalStatusResolved(t *testing.T) {
	if ApprovalPending.Resolved() {
		t.Error("pending counts as resolved")
	}
	for _, s := range []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalTimeout} {
		if !s.Resolved() {
			t.Errorf("%s not resolved", s)
		}
	}
}

func TestTerminalWorkflow(t *testing.T) {
	bag, _ := NewBagState(validParams())
	st, _ := NewWorkflowState(bag, false)

	if st.Terminal() {
		t.Error("running workflow is terminal")
	}
	st.Status = WorkflowPaused
	if st.Terminal() {
		t.Error("paused workflow is terminal")
	}
	st.Status = WorkflowCompleted
	if !st.Terminal() {
		t.Error("completed workflow not terminal")
	}
	st.Status = WorkflowFailed
	if !st.Terminal() {
		t.Error("failed workflow not terminal")
	}
}

func TestConstructorsGenerateIDs(t *testing.T) {
	e := NewEvent(EventLocationScan, "SFO", "external", nil)
	if e.EventID == "" || e.Timestamp.IsZero() {
		t.Error("event missing id or timestamp")
	}

	a := NewAlert(RiskHigh, "connection at risk")
	if a.AlertID == "" || a.Severity != RiskHigh {
		t.Errorf("alert not populated: %+v", a)
	}

	iv := NewIntervention("claim_release", "declared value above threshold", 1, true)
	if iv.InterventionID == "" {
		t.Error("intervention missing id")
	}
	if iv.ApprovalStatus != ApprovalPending {
		t.Errorf("fresh intervention status is %s, want pending", iv.ApprovalStatus)
	}
	if !iv.RequiresApproval {
		t.Error("approval flag not carried")
	}
}

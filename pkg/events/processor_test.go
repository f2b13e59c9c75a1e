package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bagtrail/bagtrail/pkg/agents"
	"github.com/bagtrail/bagtrail/pkg/engine"
	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/stores"
	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func setupProcessor(t *testing.T, store stores.Store, notifier Notifier) *Processor {
	t.Helper()
	return NewProcessor(store, agents.NewStaticInvoker(), notifier, telemetry.FromContext(context.Background()), nil)
}

// seedCheckpoint persists a workflow snapshot for a bag mid-pipeline.
func seedCheckpoint(t *testing.T, store stores.Store, bagID string, connecting bool, mutate func(*state.WorkflowState)) *state.WorkflowState {
	t.Helper()

	p := state.NewBagParams{
		BagID:              bagID,
		TagNumber:          "TAG-" + bagID,
		PassengerID:        "PAX-" + bagID,
		OriginFlight:       "UA0123",
		OriginAirport:      "SFO",
		DestinationAirport: "JFK",
		WeightKg:           20,
	}
	if connecting {
		p.ConnectionFlight = "BA0456"
		p.ConnectionAirport = "ORD"
	}

	bag, err := state.NewBagState(p)
	if err != nil {
		t.Fatalf("failed to create bag: %v", err)
	}
	st, err := state.NewWorkflowState(bag, connecting)
	if err != nil {
		t.Fatalf("failed to create workflow state: %v", err)
	}
	st.CurrentNode = "sorting"
	st.Bag.CurrentStatus = state.StatusSorting

	if mutate != nil {
		mutate(st)
	}

	if _, err := store.SaveCheckpoint(context.Background(), st.WorkflowID, bagID, st.CurrentNode, st); err != nil {
		t.Fatalf("failed to seed checkpoint: %v", err)
	}
	return st
}

// TestLocationScanUpdatesPosition tests a plain mid-pipeline scan
func TestLocationScanUpdatesPosition(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)
	ctx := context.Background()

	seedCheckpoint(t, store, "BAG-300", false, nil)

	result, err := p.HandleExternalEvent(ctx, "BAG-300", state.EventLocationScan,
		map[string]interface{}{"location": "SFO GATE B2"}, PriorityLow)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !result.Handled || result.Ignored {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Stage != state.StatusSorting {
		t.Errorf("scan advanced the stage to %s", result.Stage)
	}

	cp, err := store.LoadLatestCheckpoint(ctx, "BAG-300")
	if err != nil {
		t.Fatalf("failed to reload checkpoint: %v", err)
	}
	if cp.State.Bag.CurrentLocation != "SFO GATE B2" {
		t.Errorf("location is %s, want SFO GATE B2", cp.State.Bag.CurrentLocation)
	}
}

// TestClaimAreaScanAdvancesStage tests the carousel-scan stage shortcut
func TestClaimAreaScanAdvancesStage(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-301", false, nil)

	result, err := p.HandleExternalEvent(context.Background(), "BAG-301", state.EventLocationScan,
		map[string]interface{}{"location": "JFK Carousel 4"}, PriorityLow)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if result.Stage != state.StatusClaim {
		t.Errorf("stage is %s, want claim", result.Stage)
	}
}

// TestSortFacilityScanAdvancesStage tests the sorting-scan stage shortcut
func TestSortFacilityScanAdvancesStage(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-312", false, nil)

	result, err := p.HandleExternalEvent(context.Background(), "BAG-312", state.EventLocationScan,
		map[string]interface{}{"location": "JFK Sorting Belt 7"}, PriorityLow)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if result.Stage != state.StatusSorting {
		t.Errorf("stage is %s, want sorting", result.Stage)
	}
}

// TestLocationScanRequiresLocation tests payload validation
func TestLocationScanRequiresLocation(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-302", false, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-302", state.EventLocationScan,
		map[string]interface{}{}, PriorityLow)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestFlightDelayShrinksBuffer tests the at-risk connection flow
func TestFlightDelayShrinksBuffer(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)
	ctx := context.Background()

	seedCheckpoint(t, store, "BAG-303", true, func(st *state.WorkflowState) {
		st.Connection.ConnectionBufferMinutes = 60
	})

	result, err := p.HandleExternalEvent(ctx, "BAG-303", state.EventFlightDelay,
		map[string]interface{}{"delay_minutes": 35.0}, PriorityHigh)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !result.Handled {
		t.Fatal("delay event not handled")
	}

	cp, err := store.LoadLatestCheckpoint(ctx, "BAG-303")
	if err != nil {
		t.Fatalf("failed to reload checkpoint: %v", err)
	}
	conn := cp.State.Connection
	if conn.ConnectionBufferMinutes != 25 {
		t.Errorf("buffer is %d, want 25", conn.ConnectionBufferMinutes)
	}
	if !conn.ConnectionAtRisk {
		t.Error("connection below risk threshold not flagged at risk")
	}
	// The prediction refresh sees a 25 minute buffer and raises the risk.
	if cp.State.Bag.RiskLevel != state.RiskCritical {
		t.Errorf("risk level is %s, want critical", cp.State.Bag.RiskLevel)
	}
	if len(cp.State.Bag.Alerts) == 0 {
		t.Error("at-risk connection raised no alert")
	}
}

// TestFlightDelayAboveRiskThreshold tests that a tight-but-workable buffer
// is not flagged
func TestFlightDelayAboveRiskThreshold(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)
	ctx := context.Background()

	seedCheckpoint(t, store, "BAG-311", true, func(st *state.WorkflowState) {
		st.Connection.ConnectionBufferMinutes = 120
	})

	_, err := p.HandleExternalEvent(ctx, "BAG-311", state.EventFlightDelay,
		map[string]interface{}{"delay_minutes": 80.0}, PriorityMedium)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	cp, err := store.LoadLatestCheckpoint(ctx, "BAG-311")
	if err != nil {
		t.Fatalf("failed to reload checkpoint: %v", err)
	}
	conn := cp.State.Connection
	if conn.ConnectionBufferMinutes != 40 {
		t.Errorf("buffer is %d, want 40", conn.ConnectionBufferMinutes)
	}
	if conn.ConnectionAtRisk {
		t.Error("a 40 minute buffer was flagged at risk")
	}
	if len(cp.State.Bag.Alerts) != 0 {
		t.Errorf("got %d alerts for a workable buffer, want none", len(cp.State.Bag.Alerts))
	}
}

// TestFlightDelayWithoutConnection tests delays on direct itineraries
func TestFlightDelayWithoutConnection(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-304", false, nil)

	result, err := p.HandleExternalEvent(context.Background(), "BAG-304", state.EventFlightDelay,
		map[string]interface{}{"delay_minutes": 120.0}, PriorityMedium)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !result.Handled {
		t.Fatal("delay event not handled")
	}

	cp, _ := store.LoadLatestCheckpoint(context.Background(), "BAG-304")
	if len(cp.State.Bag.Alerts) != 0 {
		t.Error("direct itinerary delay raised a connection alert")
	}
}

// TestFlightDelayRejectsNegative tests delay validation
func TestFlightDelayRejectsNegative(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-305", false, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-305", state.EventFlightDelay,
		map[string]interface{}{"delay_minutes": -5.0}, PriorityLow)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestMishandlingMovesToExceptionStage tests incident classification
func TestMishandlingMovesToExceptionStage(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)
	ctx := context.Background()

	cases := map[string]state.BagStatus{
		"lost":    state.StatusLost,
		"damaged": state.StatusDamaged,
		"delayed": state.StatusDelayed,
	}
	i := 0
	for incident, want := range cases {
		bagID := "BAG-31" + string(rune('0'+i))
		i++
		seedCheckpoint(t, store, bagID, false, nil)

		result, err := p.HandleExternalEvent(ctx, bagID, state.EventMishandlingDetected,
			map[string]interface{}{"incident_type": incident}, PriorityCritical)
		if err != nil {
			t.Fatalf("%s: handler failed: %v", incident, err)
		}
		if result.Stage != want {
			t.Errorf("%s: stage is %s, want %s", incident, result.Stage, want)
		}

		cp, _ := store.LoadLatestCheckpoint(ctx, bagID)
		if len(cp.State.Bag.Alerts) == 0 {
			t.Errorf("%s: no alert raised", incident)
		}
	}
}

// TestMishandlingUnknownIncident tests incident validation
func TestMishandlingUnknownIncident(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-320", false, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-320", state.EventMishandlingDetected,
		map[string]interface{}{"incident_type": "vaporized"}, PriorityLow)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestApprovalReceivedResolvesIntervention tests the operator approval path
func TestApprovalReceivedResolvesIntervention(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)
	ctx := context.Background()

	var interventionID string
	st := seedCheckpoint(t, store, "BAG-321", false, func(st *state.WorkflowState) {
		iv := state.NewIntervention("claim_release", "declared value above threshold", 1, true)
		interventionID = iv.InterventionID
		st.Intervention.PendingInterventions = append(st.Intervention.PendingInterventions, iv)
		st.Intervention.InterventionsPending++
		st.Status = state.WorkflowPaused
	})

	if _, err := store.SaveApprovalRequest(ctx, &stores.ApprovalRequest{
		WorkflowID:     st.WorkflowID,
		BagID:          "BAG-321",
		InterventionID: interventionID,
		Action:         "claim_release",
		ApproverRole:   "supervisor",
		TimeoutAt:      time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to save approval request: %v", err)
	}

	result, err := p.HandleExternalEvent(ctx, "BAG-321", state.EventApprovalReceived,
		map[string]interface{}{
			"intervention_id": interventionID,
			"status":          "approved",
			"approver":        "ops.lead",
		}, PriorityHigh)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !result.Handled {
		t.Fatal("approval event not handled")
	}

	cp, err := store.LoadLatestCheckpoint(ctx, "BAG-321")
	if err != nil {
		t.Fatalf("failed to reload checkpoint: %v", err)
	}
	iv := cp.State.Intervention.PendingInterventions[0]
	if iv.ApprovalStatus != state.ApprovalApproved {
		t.Errorf("intervention status is %s, want approved", iv.ApprovalStatus)
	}
	if iv.ApprovedBy != "ops.lead" {
		t.Errorf("approved_by is %s, want ops.lead", iv.ApprovedBy)
	}

	ar, err := store.GetApprovalByIntervention(ctx, interventionID)
	if err != nil {
		t.Fatalf("failed to load approval record: %v", err)
	}
	if ar.Status != state.ApprovalApproved {
		t.Errorf("approval record is %s, want approved", ar.Status)
	}
}

// TestApprovalReceivedInvalidStatus tests approval payload validation
func TestApprovalReceivedInvalidStatus(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-322", false, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-322", state.EventApprovalReceived,
		map[string]interface{}{"status": "maybe"}, PriorityLow)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestStatusUpdateOverride tests the operator stage override
func TestStatusUpdateOverride(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	seedCheckpoint(t, store, "BAG-323", false, nil)

	result, err := p.HandleExternalEvent(context.Background(), "BAG-323", state.EventStatusUpdate,
		map[string]interface{}{"status": "loading"}, PriorityLow)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if result.Stage != state.StatusLoading {
		t.Errorf("stage is %s, want loading", result.Stage)
	}

	_, err = p.HandleExternalEvent(context.Background(), "BAG-323", state.EventStatusUpdate,
		map[string]interface{}{"status": "teleported"}, PriorityLow)
	if err == nil {
		t.Error("unknown stage accepted")
	}
}

// TestTerminalEntityIgnoresEvents tests the terminal guard with audit
func TestTerminalEntityIgnoresEvents(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)
	ctx := context.Background()

	seedCheckpoint(t, store, "BAG-324", false, func(st *state.WorkflowState) {
		st.Status = state.WorkflowCompleted
		st.Bag.CurrentStatus = state.StatusDelivered
	})

	result, err := p.HandleExternalEvent(ctx, "BAG-324", state.EventLocationScan,
		map[string]interface{}{"location": "LOST AND FOUND"}, PriorityLow)
	if err != nil {
		t.Fatalf("terminal event errored: %v", err)
	}
	if !result.Ignored {
		t.Fatal("event against terminal entity was not ignored")
	}

	// The audit log still records the ignored event.
	events, err := store.GetEvents(ctx, "BAG-324", 10)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("ignored event not audited, log has %d entries", len(events))
	}

	// The checkpoint was not touched.
	cp, _ := store.LoadLatestCheckpoint(ctx, "BAG-324")
	if cp.State.Bag.CurrentLocation == "LOST AND FOUND" {
		t.Error("ignored event mutated the checkpoint")
	}
}

// TestUnknownEventType tests dispatch validation
func TestUnknownEventType(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-325", state.EventType("comet_strike"), nil, PriorityLow)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestEventWithoutCheckpoint tests events for unknown bags
func TestEventWithoutCheckpoint(t *testing.T) {
	store := setupTestStore(t)
	p := setupProcessor(t, store, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-326", state.EventLocationScan,
		map[string]interface{}{"location": "SFO"}, PriorityLow)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND error, got %v", err)
	}
}

// conflictingStore injects one concurrent write before the first handler
// checkpoint save.
type conflictingStore struct {
	stores.Store
	once sync.Once
}

func (c *conflictingStore) SaveCheckpoint(ctx context.Context, workflowID, bagID, node string, st *state.WorkflowState) (string, error) {
	c.once.Do(func() {
		interloper := *st
		bagCopy := *st.Bag
		interloper.Bag = &bagCopy
		_, _ = c.Store.SaveCheckpoint(ctx, workflowID, bagID, "orchestrator", &interloper)
	})
	return c.Store.SaveCheckpoint(ctx, workflowID, bagID, node, st)
}

// TestHandlerConflictRetry tests re-read and re-run after a version conflict
func TestHandlerConflictRetry(t *testing.T) {
	store := setupTestStore(t)
	seedCheckpoint(t, store, "BAG-327", false, nil)

	p := setupProcessor(t, &conflictingStore{Store: store}, nil)

	result, err := p.HandleExternalEvent(context.Background(), "BAG-327", state.EventLocationScan,
		map[string]interface{}{"location": "SFO GATE C1"}, PriorityLow)
	if err != nil {
		t.Fatalf("handler did not recover from conflict: %v", err)
	}
	if !result.Handled {
		t.Fatal("event not handled after retry")
	}

	cp, _ := store.LoadLatestCheckpoint(context.Background(), "BAG-327")
	if cp.State.Bag.CurrentLocation != "SFO GATE C1" {
		t.Errorf("retried handler did not apply: location %s", cp.State.Bag.CurrentLocation)
	}
}

// TestHighPriorityNotifies tests the async notification hook
func TestHighPriorityNotifies(t *testing.T) {
	store := setupTestStore(t)

	got := make(chan Notification, 1)
	notifier := NotifierFunc(func(ctx context.Context, n Notification) error {
		got <- n
		return nil
	})
	p := setupProcessor(t, store, notifier)

	seedCheckpoint(t, store, "BAG-328", false, nil)

	_, err := p.HandleExternalEvent(context.Background(), "BAG-328", state.EventMishandlingDetected,
		map[string]interface{}{"incident_type": "lost"}, PriorityCritical)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	select {
	case n := <-got:
		if n.BagID != "BAG-328" || n.Priority != PriorityCritical {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered for critical event")
	}
}

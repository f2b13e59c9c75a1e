package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bagtrail/bagtrail/pkg/agents"
	"github.com/bagtrail/bagtrail/pkg/policy"
	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/stores"
)

// setupEngine wires an orchestrator around an in-memory store.
func setupEngine(t *testing.T, invoker agents.Invoker, decider ApprovalDecider, opts Options) (*Orchestrator, *stores.SQLiteStore) {
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

	o, err := NewOrchestrator(store, invoker, decider, nil, nil, nil, opts)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return o, store
}

func newTestBag(t *testing.T, bagID string, declaredValue float64, connecting bool) *state.BagState {
	t.Helper()

	p := state.NewBagParams{
		BagID:              bagID,
		TagNumber:          "TAG-" + bagID,
		PassengerID:        "PAX-" + bagID,
		OriginFlight:       "UA0123",
		OriginAirport:      "SFO",
		DestinationAirport: "JFK",
		WeightKg:           22,
		DeclaredValue:      declaredValue,
	}
	if connecting {
		p.DestinationAirport = "LHR"
		p.ConnectionFlight = "BA0456"
		p.ConnectionAirport = "JFK"
	}

	bag, err := state.NewBagState(p)
	if err != nil {
		t.Fatalf("failed to create bag: %v", err)
	}
	return bag
}

// countNode reports how many times node appears in the visit trail.
func countNode(trail []string, node Node) int {
	n := 0
	for _, s := range trail {
		if s == string(node) {
			n++
		}
	}
	return n
}

// TestDirectFlightDelivered drives a plain bag end to end
func TestDirectFlightDelivered(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})
	ctx := context.Background()

	final, err := o.ProcessBag(ctx, newTestBag(t, "BAG-200", 0, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if final.Status != state.WorkflowCompleted {
		t.Errorf("workflow status is %s, want completed", final.Status)
	}
	if final.Bag.CurrentStatus != state.StatusDelivered {
		t.Errorf("bag status is %s, want delivered", final.Bag.CurrentStatus)
	}
	if final.CompletedAt == nil {
		t.Error("completed workflow has no completion time")
	}

	want := []string{
		"check_in", "security_screening", "sorting", "loading",
		"in_flight", "arrival", "claim", "delivered",
	}
	if len(final.PreviousNodes) != len(want) {
		t.Fatalf("visited %v, want %v", final.PreviousNodes, want)
	}
	for i, node := range want {
		if final.PreviousNodes[i] != node {
			t.Errorf("step %d visited %s, want %s", i, final.PreviousNodes[i], node)
		}
	}

	// Every visited node was checkpointed.
	history, err := store.GetCheckpointHistory(ctx, "BAG-200", 20)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != len(want) {
		t.Errorf("got %d checkpoints, want %d", len(history), len(want))
	}
}

// TestConnectionRoutesThroughTransfer tests the transfer loop runs exactly once
func TestConnectionRoutesThroughTransfer(t *testing.T) {
	o, _ := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})
	ctx := context.Background()

	final, err := o.ProcessBag(ctx, newTestBag(t, "BAG-201", 0, true), true)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if final.Bag.CurrentStatus != state.StatusDelivered {
		t.Fatalf("bag status is %s, want delivered", final.Bag.CurrentStatus)
	}
	if got := countNode(final.PreviousNodes, NodeTransfer); got != 1 {
		t.Errorf("transfer visited %d times, want 1", got)
	}
	if got := countNode(final.PreviousNodes, NodeSorting); got != 2 {
		t.Errorf("sorting visited %d times, want 2 (one per leg)", got)
	}
	if got := countNode(final.PreviousNodes, NodeInFlight); got != 2 {
		t.Errorf("in_flight visited %d times, want 2", got)
	}
	if final.Connection == nil || final.Connection.HasConnection {
		t.Error("connection leg was not consumed by the transfer")
	}
	if !final.Connection.HandlerNotified {
		t.Error("transfer handler was not notified")
	}
}

// TestCheckInRiskAlert tests the alert raised when the initial prediction
// lands at high or critical risk
func TestCheckInRiskAlert(t *testing.T) {
	o, _ := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})
	ctx := context.Background()

	// A connecting bag with no buffer scores critical at check-in.
	risky, err := o.ProcessBag(ctx, newTestBag(t, "BAG-215", 0, true), true)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	found := false
	for _, a := range risky.Bag.Alerts {
		if strings.Contains(a.Message, "check-in") {
			found = true
			if a.Severity != state.RiskHigh {
				t.Errorf("check-in alert severity is %s, want high", a.Severity)
			}
		}
	}
	if !found {
		t.Error("critical-risk check-in raised no alert")
	}
	triggered := 0
	for _, e := range risky.Bag.Events {
		if e.Type == state.EventAlertTriggered {
			triggered++
		}
	}
	if triggered == 0 {
		t.Error("check-in alert recorded no alert_triggered event")
	}

	// A direct bag scores low and stays quiet.
	calm, err := o.ProcessBag(ctx, newTestBag(t, "BAG-216", 0, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if len(calm.Bag.Alerts) != 0 {
		t.Errorf("low-risk bag got %d alerts, want none", len(calm.Bag.Alerts))
	}
}

// TestNoTransferWithoutConnection tests a direct bag never enters transfer
func TestNoTransferWithoutConnection(t *testing.T) {
	o, _ := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})

	final, err := o.ProcessBag(context.Background(), newTestBag(t, "BAG-202", 0, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if countNode(final.PreviousNodes, NodeTransfer) != 0 {
		t.Errorf("direct bag visited transfer: %v", final.PreviousNodes)
	}
}

// TestApprovalTimeoutAutoProceeds tests the expired window auto-proceed rule
func TestApprovalTimeoutAutoProceeds(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{
		ApprovalTimeout:      50 * time.Millisecond,
		ApprovalPollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	final, err := o.ProcessBag(ctx, newTestBag(t, "BAG-203", 1200, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if final.Bag.CurrentStatus != state.StatusDelivered {
		t.Errorf("bag status is %s, want delivered after auto-proceed", final.Bag.CurrentStatus)
	}
	if countNode(final.PreviousNodes, NodeRequestApproval) != 1 {
		t.Errorf("high-value bag skipped the approval gate: %v", final.PreviousNodes)
	}

	if len(final.Bag.Interventions) != 1 {
		t.Fatalf("got %d finalized interventions, want 1", len(final.Bag.Interventions))
	}
	iv := final.Bag.Interventions[0]
	if iv.ApprovalStatus != state.ApprovalTimeout {
		t.Errorf("intervention status is %s, want timeout", iv.ApprovalStatus)
	}
	if len(final.Intervention.PendingInterventions) != 0 {
		t.Error("finalized intervention still pending")
	}

	// The queryable approval record was marked timed out as well.
	ar, err := store.GetApprovalByIntervention(ctx, iv.InterventionID)
	if err != nil {
		t.Fatalf("failed to load approval record: %v", err)
	}
	if ar.Status != state.ApprovalTimeout {
		t.Errorf("approval record status is %s, want timeout", ar.Status)
	}
}

// approveWhenPending resolves the first pending approval with the given status.
func approveWhenPending(t *testing.T, store stores.Store, status state.ApprovalStatus) {
	t.Helper()
	go func() {
		ctx := context.Background()
		for i := 0; i < 500; i++ {
			pending, err := store.GetPendingApprovals(ctx, "")
			if err == nil && len(pending) > 0 {
				_ = store.UpdateApprovalStatus(ctx, pending[0].ApprovalID, status, "tester", "")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

// TestApprovalApprovedReleasesBag tests the approve path through the gate
func TestApprovalApprovedReleasesBag(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{
		ApprovalTimeout:      10 * time.Second,
		ApprovalPollInterval: 10 * time.Millisecond,
	})
	approveWhenPending(t, store, state.ApprovalApproved)

	final, err := o.ProcessBag(context.Background(), newTestBag(t, "BAG-204", 900, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if final.Bag.CurrentStatus != state.StatusDelivered {
		t.Errorf("bag status is %s, want delivered", final.Bag.CurrentStatus)
	}
	if len(final.Bag.Interventions) != 1 {
		t.Fatalf("got %d finalized interventions, want 1", len(final.Bag.Interventions))
	}
	iv := final.Bag.Interventions[0]
	if iv.ApprovalStatus != state.ApprovalApproved {
		t.Errorf("intervention status is %s, want approved", iv.ApprovalStatus)
	}
	if iv.ApprovedBy != "tester" {
		t.Errorf("approved_by is %s, want tester", iv.ApprovedBy)
	}
	if final.Intervention.InterventionsExecuted != 1 {
		t.Errorf("executed counter is %d, want 1", final.Intervention.InterventionsExecuted)
	}
}

// TestApprovalRejectedRunsExceptionFlow tests rejection routes into
// mishandling, root cause and compensation
func TestApprovalRejectedRunsExceptionFlow(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{
		ApprovalTimeout:      10 * time.Second,
		ApprovalPollInterval: 10 * time.Millisecond,
	})
	approveWhenPending(t, store, state.ApprovalRejected)

	final, err := o.ProcessBag(context.Background(), newTestBag(t, "BAG-205", 800, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	for _, node := range []Node{NodeMishandled, NodeRootCause, NodeCompensation} {
		if countNode(final.PreviousNodes, node) != 1 {
			t.Errorf("rejected path missed %s: %v", node, final.PreviousNodes)
		}
	}

	// The delayed-incident payout is small enough to resolve without a
	// second sign-off.
	if final.Status != state.WorkflowCompleted {
		t.Errorf("workflow status is %s, want completed", final.Status)
	}
	if final.Bag.CurrentStatus != state.StatusResolved {
		t.Errorf("bag status is %s, want resolved", final.Bag.CurrentStatus)
	}
	if final.Intervention.InterventionsFailed != 1 {
		t.Errorf("failed counter is %d, want 1", final.Intervention.InterventionsFailed)
	}
	if len(final.Bag.RiskFactors) == 0 {
		t.Error("root cause analysis recorded no risk factors")
	}
}

// TestAgentFailuresDegrade tests that collaborator errors never kill the workflow
func TestAgentFailuresDegrade(t *testing.T) {
	failing := agents.FuncInvoker(func(ctx context.Context, name string, req map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("agent %s unavailable", name)
	})
	o, _ := setupEngine(t, failing, nil, Options{})

	final, err := o.ProcessBag(context.Background(), newTestBag(t, "BAG-206", 0, false), false)
	if err != nil {
		t.Fatalf("workflow failed on agent errors: %v", err)
	}

	if final.Status != state.WorkflowCompleted {
		t.Errorf("workflow status is %s, want completed despite agent failures", final.Status)
	}
	if len(final.Errors) == 0 {
		t.Error("agent failures left no trace in the error log")
	}
	if len(final.AgentResults) != 0 {
		t.Errorf("failing invoker produced results: %v", final.AgentResults)
	}
}

// TestResumeContinuesAtNextNode tests resumption from a mid-flight checkpoint
func TestResumeContinuesAtNextNode(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})
	ctx := context.Background()

	st, err := state.NewWorkflowState(newTestBag(t, "BAG-207", 0, false), false)
	if err != nil {
		t.Fatalf("failed to create workflow state: %v", err)
	}
	st.CurrentNode = string(NodeLoading)
	st.NextNode = string(NodeInFlight)
	st.PreviousNodes = []string{"check_in", "security_screening", "sorting", "loading"}
	if _, err := store.SaveCheckpoint(ctx, st.WorkflowID, "BAG-207", string(NodeLoading), st); err != nil {
		t.Fatalf("failed to seed checkpoint: %v", err)
	}

	final, err := o.Resume(ctx, "BAG-207")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	if final.Bag.CurrentStatus != state.StatusDelivered {
		t.Errorf("resumed bag ended at %s, want delivered", final.Bag.CurrentStatus)
	}
	// check_in must not have run a second time.
	if countNode(final.PreviousNodes, NodeCheckIn) != 1 {
		t.Errorf("resume re-ran earlier nodes: %v", final.PreviousNodes)
	}
	if countNode(final.PreviousNodes, NodeInFlight) != 1 {
		t.Errorf("resume did not continue at in_flight: %v", final.PreviousNodes)
	}
}

// TestResumeTerminalIsNoop tests that finished workflows resume as-is
func TestResumeTerminalIsNoop(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})
	ctx := context.Background()

	st, err := state.NewWorkflowState(newTestBag(t, "BAG-208", 0, false), false)
	if err != nil {
		t.Fatalf("failed to create workflow state: %v", err)
	}
	st.Status = state.WorkflowCompleted
	st.CurrentNode = string(NodeDelivered)
	if _, err := store.SaveCheckpoint(ctx, st.WorkflowID, "BAG-208", string(NodeDelivered), st); err != nil {
		t.Fatalf("failed to seed checkpoint: %v", err)
	}

	final, err := o.Resume(ctx, "BAG-208")
	if err != nil {
		t.Fatalf("resume of terminal workflow failed: %v", err)
	}
	if final.Status != state.WorkflowCompleted {
		t.Errorf("terminal workflow status changed to %s", final.Status)
	}
}

// TestResumeUnknownBag tests resuming a bag with no checkpoints
func TestResumeUnknownBag(t *testing.T) {
	o, _ := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})

	_, err := o.Resume(context.Background(), "no-such-bag")
	if err == nil {
		t.Fatal("expected error resuming unknown bag")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND engine error, got %v", err)
	}
}

// conflictingStore injects one concurrent write before the first checkpoint
// save, forcing the orchestrator through its conflict recovery path.
type conflictingStore struct {
	stores.Store
	once sync.Once
}

func (c *conflictingStore) SaveCheckpoint(ctx context.Context, workflowID, bagID, node string, st *state.WorkflowState) (string, error) {
	c.once.Do(func() {
		interloper := *st
		bagCopy := *st.Bag
		interloper.Bag = &bagCopy
		_, _ = c.Store.SaveCheckpoint(ctx, workflowID, bagID, "event_handler", &interloper)
	})
	return c.Store.SaveCheckpoint(ctx, workflowID, bagID, node, st)
}

// TestConflictRecovery tests re-read and re-run after a version conflict
func TestConflictRecovery(t *testing.T) {
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
	defer store.Close()

	o, err := NewOrchestrator(&conflictingStore{Store: store}, agents.NewStaticInvoker(), nil, nil, nil, nil, Options{})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	final, err := o.ProcessBag(ctx, newTestBag(t, "BAG-209", 0, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if final.Status != state.WorkflowCompleted {
		t.Errorf("workflow status is %s, want completed", final.Status)
	}
	if final.RetryCount == 0 {
		t.Error("conflict recovery left retry count at zero")
	}
}

// TestMaxStepsGuard tests the runaway-workflow bound
func TestMaxStepsGuard(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{MaxSteps: 3})
	ctx := context.Background()

	_, err := o.ProcessBag(ctx, newTestBag(t, "BAG-210", 0, false), false)
	if err == nil {
		t.Fatal("expected error when exceeding the step bound")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeInternal {
		t.Errorf("expected INTERNAL_ERROR, got %v", err)
	}

	cp, err := store.LoadLatestCheckpoint(ctx, "BAG-210")
	if err != nil {
		t.Fatalf("failed to load checkpoint of failed workflow: %v", err)
	}
	if cp.State.Status != state.WorkflowFailed {
		t.Errorf("failed workflow persisted with status %s", cp.State.Status)
	}
	if len(cp.State.Errors) == 0 {
		t.Error("failed workflow recorded no errors")
	}
}

// TestPolicyDeciderGatesClaim tests the rego-backed approval decision
func TestPolicyDeciderGatesClaim(t *testing.T) {
	decider, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	o, _ := setupEngine(t, agents.NewStaticInvoker(), decider, Options{
		ApprovalTimeout:      50 * time.Millisecond,
		ApprovalPollInterval: 10 * time.Millisecond,
	})

	final, err := o.ProcessBag(context.Background(), newTestBag(t, "BAG-211", 650, false), false)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if countNode(final.PreviousNodes, NodeRequestApproval) != 1 {
		t.Errorf("policy decider did not gate the high-value claim: %v", final.PreviousNodes)
	}
	if final.Bag.CurrentStatus != state.StatusDelivered {
		t.Errorf("bag status is %s, want delivered", final.Bag.CurrentStatus)
	}
}

// TestConcurrentBags runs many bags through one orchestrator and store
func TestConcurrentBags(t *testing.T) {
	o, store := setupEngine(t, agents.NewStaticInvoker(), nil, Options{})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bagID := fmt.Sprintf("BAG-C%03d", i)
			final, err := o.ProcessBag(ctx, newTestBag(t, bagID, 0, i%3 == 0), i%3 == 0)
			if err != nil {
				errs <- fmt.Errorf("%s: %w", bagID, err)
				return
			}
			if final.Status != state.WorkflowCompleted {
				errs <- fmt.Errorf("%s finished %s", bagID, final.Status)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	for i := 0; i < n; i++ {
		bagID := fmt.Sprintf("BAG-C%03d", i)
		cp, err := store.LoadLatestCheckpoint(ctx, bagID)
		if err != nil {
			t.Errorf("%s has no checkpoint: %v", bagID, err)
			continue
		}
		if cp.State.Status != state.WorkflowCompleted {
			t.Errorf("%s persisted status %s", bagID, cp.State.Status)
		}
	}
}

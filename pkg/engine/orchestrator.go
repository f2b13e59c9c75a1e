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
	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

// Node identifies one step in the fixed workflow graph.
type Node string

const (
	NodeCheckIn           Node = "check_in"
	NodeSecurityScreening Node = "security_screening"
	NodeSorting           Node = "sorting"
	NodeLoading           Node = "loading"
	NodeInFlight          Node = "in_flight"
	NodeArrival           Node = "arrival"
	NodeTransfer          Node = "transfer"
	NodeClaim             Node = "claim"
	NodeDelivered         Node = "delivered"
	NodeMishandled        Node = "mishandled"
	NodeRootCause         Node = "root_cause_analysis"
	NodeCompensation      Node = "compensation"
	NodeRequestApproval   Node = "request_approval"
	NodeWaitForApproval   Node = "wait_for_approval"

	// NodeEnd is the pseudo-node that terminates the walk.
	NodeEnd Node = "end"
)

// nodeFunc executes one node's side effects against the workflow state.
type nodeFunc func(ctx context.Context, st *state.WorkflowState) error

// transitionFunc computes the next node after a node completes, with a
// reason for the decision audit log.
type transitionFunc func(st *state.WorkflowState) (Node, string)

// ApprovalDecider decides whether a gated action needs human sign-off.
// *policy.Engine satisfies this; tests substitute fixed deciders.
type ApprovalDecider interface {
	EvaluateApproval(ctx context.Context, input *policy.ApprovalInput) (*policy.ApprovalDecision, error)
}

// Options tunes orchestrator execution.
type Options struct {
	// AgentTimeout bounds every collaborator call. A timeout is a
	// collaborator failure, not a fatal engine error.
	AgentTimeout time.Duration

	// ApprovalPollInterval is how often wait_for_approval re-reads the
	// approval record.
	ApprovalPollInterval time.Duration

	// ApprovalTimeout overrides the state's approval timeout when set.
	ApprovalTimeout time.Duration

	// MaxSteps bounds the total node executions of one workflow walk,
	// guarding against runaway cycles through the transfer and exception
	// loops.
	MaxSteps int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		AgentTimeout:         30 * time.Second,
		ApprovalPollInterval: 2 * time.Second,
		MaxSteps:             50,
	}
}

// DefaultConnectionBufferMinutes is assumed for a connecting bag until a
// flight-ops feed supplies the real slack.
const DefaultConnectionBufferMinutes = 120

// Orchestrator drives one bag through the workflow graph from check-in to a
// terminal node, persisting a checkpoint after every node. Many bags run
// through one Orchestrator concurrently; all cross-bag coordination happens
// through the store.
type Orchestrator struct {
	store   stores.Store
	invoker agents.Invoker
	decider ApprovalDecider
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	opts    Options

	nodes       map[Node]nodeFunc
	transitions map[Node]transitionFunc
}

// NewOrchestrator wires an orchestrator. The store is required; invoker,
// decider, metrics and tracer may be nil and degrade gracefully.
func NewOrchestrator(store stores.Store, invoker agents.Invoker, decider ApprovalDecider, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, NewPermanentError("store is required", nil).WithCode(ErrCodeValidation)
	}
	if logger == nil {
		logger = telemetry.FromContext(context.Background())
	}
	if tracer == nil {
		var err error
		tracer, err = telemetry.NewTracer(telemetry.TracingConfig{}, "bagtrail", "dev", "dev")
		if err != nil {
			return nil, NewPermanentError("failed to create no-op tracer", err).WithCode(ErrCodeInternal)
		}
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = DefaultOptions().AgentTimeout
	}
	if opts.ApprovalPollInterval <= 0 {
		opts.ApprovalPollInterval = DefaultOptions().ApprovalPollInterval
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}

	o := &Orchestrator{
		store:   store,
		invoker: invoker,
		decider: decider,
		logger:  logger.NewComponentLogger("orchestrator"),
		metrics: metrics,
		tracer:  tracer,
		opts:    opts,
	}

	o.nodes = map[Node]nodeFunc{
		NodeCheckIn:           o.checkInNode,
		NodeSecurityScreening: o.securityScreeningNode,
		NodeSorting:           o.sortingNode,
		NodeLoading:           o.loadingNode,
		NodeInFlight:          o.inFlightNode,
		NodeArrival:           o.arrivalNode,
		NodeTransfer:          o.transferNode,
		NodeClaim:             o.claimNode,
		NodeDelivered:         o.deliveredNode,
		NodeMishandled:        o.mishandledNode,
		NodeRootCause:         o.rootCauseNode,
		NodeCompensation:      o.compensationNode,
		NodeRequestApproval:   o.requestApprovalNode,
		NodeWaitForApproval:   o.waitForApprovalNode,
	}

	o.transitions = map[Node]transitionFunc{
		NodeCheckIn:           o.fromCheckIn,
		NodeSecurityScreening: o.fromSecurityScreening,
		NodeSorting:           o.fromSorting,
		NodeLoading:           o.fromLoading,
		NodeInFlight:          o.fromInFlight,
		NodeArrival:           o.fromArrival,
		NodeTransfer:          o.fromTransfer,
		NodeClaim:             o.fromClaim,
		NodeDelivered:         o.fromDelivered,
		NodeMishandled:        o.fromMishandled,
		NodeRootCause:         o.fromRootCause,
		NodeCompensation:      o.fromCompensation,
		NodeRequestApproval:   o.fromRequestApproval,
		NodeWaitForApproval:   o.fromWaitForApproval,
	}

	return o, nil
}

// ProcessBag creates a fresh workflow envelope around the bag and drives it
// to a terminal state. When hasConnection is set, the connection buffer is
// seeded with the default slack; callers with real flight data should build
// the envelope themselves and call Run.
func (o *Orchestrator) ProcessBag(ctx context.Context, bag *state.BagState, hasConnection bool) (*state.WorkflowState, error) {
	st, err := state.NewWorkflowState(bag, hasConnection)
	if err != nil {
		return nil, NewPermanentError("invalid initial state", err).WithCode(ErrCodeValidation)
	}
	if st.Connection != nil && st.Connection.ConnectionBufferMinutes == 0 {
		st.Connection.ConnectionTimeMinutes = DefaultConnectionBufferMinutes
		st.Connection.ConnectionBufferMinutes = DefaultConnectionBufferMinutes
	}
	return o.Run(ctx, st)
}

// Run drives a prepared workflow envelope to a terminal state, starting at
// the envelope's current node.
func (o *Orchestrator) Run(ctx context.Context, st *state.WorkflowState) (*state.WorkflowState, error) {
	start := Node(st.CurrentNode)
	if start == "" {
		start = NodeCheckIn
	}
	return o.runFrom(ctx, st, start)
}

// Resume continues a previously checkpointed workflow from its next node.
// A workflow already in a terminal status is returned unchanged.
func (o *Orchestrator) Resume(ctx context.Context, bagID string) (*state.WorkflowState, error) {
	cp, err := o.store.LoadLatestCheckpoint(ctx, bagID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewPermanentError("no checkpoint to resume from", err).
				WithBag(bagID).WithCode(ErrCodeNotFound)
		}
		return nil, NewPermanentError("failed to load latest checkpoint", err).
			WithBag(bagID).WithCode(ErrCodePersistence)
	}

	st := cp.State
	if st.Terminal() {
		return st, nil
	}
	if st.Status == state.WorkflowPaused {
		st.Status = state.WorkflowRunning
	}

	// The checkpoint for node N is taken after N completed, so resumption
	// continues at the recorded next node. A checkpoint without one (a
	// mid-node save) re-executes the current node; node side effects are
	// deterministic against the reloaded state.
	node := Node(st.NextNode)
	if node == "" {
		node = Node(st.CurrentNode)
	}
	return o.runFrom(ctx, st, node)
}

func (o *Orchestrator) runFrom(ctx context.Context, st *state.WorkflowState, node Node) (*state.WorkflowState, error) {
	log := o.logger.WithBagID(st.Bag.BagID).WithWorkflowID(st.WorkflowID)
	ctx, span := o.tracer.StartWorkflowSpan(ctx, st.WorkflowID, st.Bag.BagID)
	defer span.End()

	o.metrics.RecordWorkflowStarted(carrierOf(st.Bag.OriginFlight))
	timer := telemetry.NewTimer()
	log.WithNode(string(node)).Info("Workflow started")

	steps := 0
	for node != NodeEnd {
		steps++
		if steps > o.opts.MaxSteps {
			err := NewPermanentError(
				fmt.Sprintf("workflow exceeded %d steps without terminating", o.opts.MaxSteps), nil).
				WithBag(st.Bag.BagID).WithNode(string(node)).WithCode(ErrCodeInternal)
			o.failWorkflow(ctx, st, node, err)
			o.metrics.RecordWorkflowCompleted(string(state.WorkflowFailed), timer.Duration())
			telemetry.RecordError(span, err)
			return st, err
		}

		next, err := o.step(ctx, node, st)
		if err != nil {
			o.failWorkflow(ctx, st, node, err)
			o.metrics.RecordWorkflowCompleted(string(state.WorkflowFailed), timer.Duration())
			telemetry.RecordError(span, err)
			return st, err
		}
		node = next
	}

	o.metrics.RecordWorkflowCompleted(string(st.Status), timer.Duration())
	telemetry.RecordSuccess(span)
	log.WithField("status", st.Status).WithField("stage", st.Bag.CurrentStatus).
		WithField("steps", steps).Info("Workflow finished")
	return st, nil
}

// step executes one node, computes the transition, and persists the
// checkpoint. A version conflict re-reads the latest checkpoint and re-runs
// the node against the fresh state, bounded by the state's retry budget.
func (o *Orchestrator) step(ctx context.Context, node Node, st *state.WorkflowState) (Node, error) {
	for attempt := 0; ; attempt++ {
		if st.Terminal() {
			// A concurrent event handler finished the workflow.
			return NodeEnd, nil
		}

		if err := o.executeNode(ctx, node, st); err != nil {
			return NodeEnd, err
		}

		next := o.transition(node, st)
		if next == NodeEnd {
			st.NextNode = ""
		} else {
			st.NextNode = string(next)
		}

		_, serr := o.store.SaveCheckpoint(ctx, st.WorkflowID, st.Bag.BagID, string(node), st)
		if serr == nil {
			o.metrics.RecordCheckpointWrite("ok")
			return next, nil
		}
		if !errors.Is(serr, stores.ErrVersionConflict) {
			o.metrics.RecordCheckpointWrite("error")
			return NodeEnd, NewPermanentError("checkpoint save failed", serr).
				WithBag(st.Bag.BagID).WithNode(string(node)).WithCode(ErrCodePersistence)
		}

		o.metrics.RecordVersionConflict("orchestrator")
		if attempt >= st.MaxRetries {
			return NodeEnd, NewConflictError("checkpoint conflict persisted past retry budget", serr).
				WithBag(st.Bag.BagID).WithNode(string(node)).WithCode(ErrCodeConflict)
		}

		cp, lerr := o.store.LoadLatestCheckpoint(ctx, st.Bag.BagID)
		if lerr != nil {
			return NodeEnd, NewPermanentError("failed to re-read state after conflict", lerr).
				WithBag(st.Bag.BagID).WithNode(string(node)).WithCode(ErrCodePersistence)
		}
		*st = *cp.State
		st.RetryCount++
		o.logger.WithBagID(st.Bag.BagID).WithNode(string(node)).
			WithField("attempt", attempt+1).
			Debug("Checkpoint conflict, re-running node against fresh state")
	}
}

// executeNode runs one node's side effects and records the visit.
func (o *Orchestrator) executeNode(ctx context.Context, node Node, st *state.WorkflowState) error {
	fn, ok := o.nodes[node]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown node %s", node), nil).
			WithBag(st.Bag.BagID).WithNode(string(node)).WithCode(ErrCodeInternal)
	}

	nodeCtx, span := o.tracer.StartNodeSpan(ctx, string(node), st.Bag.BagID)
	defer span.End()
	timer := telemetry.NewTimer()

	st.CurrentNode = string(node)
	if err := fn(nodeCtx, st); err != nil {
		o.metrics.RecordNodeExecution(string(node), "error", timer.Duration())
		telemetry.RecordError(span, err)
		return err
	}

	st.PreviousNodes = append(st.PreviousNodes, string(node))
	st.Bag.UpdatedAt = time.Now().UTC()
	o.metrics.RecordNodeExecution(string(node), "ok", timer.Duration())
	return nil
}

// transition evaluates the node's transition rule and records the decision.
func (o *Orchestrator) transition(node Node, st *state.WorkflowState) Node {
	fn, ok := o.transitions[node]
	if !ok {
		return NodeEnd
	}
	next, reason := fn(st)
	st.DecisionsMade = append(st.DecisionsMade, state.Decision{
		Node:      string(node),
		Choice:    string(next),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	return next
}

// invokeAgent calls a collaborator with the configured timeout. A cached
// result from a previous invocation is reused so a resumed or re-run node
// does not re-invoke the agent redundantly. An error or timeout is recorded
// in the workflow error log and execution continues with no result.
func (o *Orchestrator) invokeAgent(ctx context.Context, st *state.WorkflowState, node Node, agentName string, request map[string]interface{}) (map[string]interface{}, bool) {
	if o.invoker == nil {
		return nil, false
	}
	if cached, ok := st.AgentResults[agentName]; ok {
		return cached, true
	}

	callCtx, span := o.tracer.StartAgentSpan(ctx, agentName, string(node))
	defer span.End()
	callCtx, cancel := context.WithTimeout(callCtx, o.opts.AgentTimeout)
	defer cancel()

	timer := telemetry.NewTimer()
	result, err := o.invoker.Invoke(callCtx, agentName, request)
	if err != nil {
		o.metrics.RecordAgentError(agentName, string(node))
		telemetry.RecordError(span, err)
		o.logger.WithBagID(st.Bag.BagID).WithNode(string(node)).WithAgent(agentName).
			WithError(err).Warn("Collaborator call failed, continuing degraded")
		st.Errors = append(st.Errors, state.WorkflowError{
			Node:      string(node),
			Agent:     agentName,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return nil, false
	}

	o.metrics.RecordAgentCall(agentName, string(node), timer.Duration())
	telemetry.RecordSuccess(span)
	st.AgentResults[agentName] = result
	st.AgentsInvoked = append(st.AgentsInvoked, agentName)
	st.Bag.Events = append(st.Bag.Events, state.NewEvent(state.EventAgentExecuted, st.Bag.CurrentLocation, "engine",
		map[string]interface{}{"agent": agentName}))
	return result, true
}

// failWorkflow marks the workflow failed and makes a best-effort attempt to
// persist the failure so the stored status matches reality.
func (o *Orchestrator) failWorkflow(ctx context.Context, st *state.WorkflowState, node Node, cause error) {
	now := time.Now().UTC()
	st.Status = state.WorkflowFailed
	st.CompletedAt = &now
	st.NextNode = ""
	st.Errors = append(st.Errors, state.WorkflowError{
		Node:      string(node),
		Message:   cause.Error(),
		Timestamp: now,
	})

	var e *EngineError
	if errors.As(cause, &e) {
		o.metrics.RecordError(string(e.Class), e.Code)
	}

	if _, err := o.store.SaveCheckpoint(ctx, st.WorkflowID, st.Bag.BagID, string(node), st); err != nil {
		o.logger.WithBagID(st.Bag.BagID).WithNode(string(node)).WithError(err).
			Error("Failed to persist failed workflow state")
	}
	o.logger.WithBagID(st.Bag.BagID).WithNode(string(node)).WithError(cause).
		Error("Workflow failed")
}

// carrierOf extracts the two-letter carrier code from a flight number.
func carrierOf(flight string) string {
	if len(flight) < 2 {
		return "unknown"
	}
	return flight[:2]
}

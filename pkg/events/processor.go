package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bagtrail/bagtrail/pkg/agents"
	"github.com/bagtrail/bagtrail/pkg/engine"
	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/stores"
	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

// Processor dispatches externally sourced events to registered handlers.
//
// For each event it appends an audit record to the event log, loads the
// entity's latest checkpoint, and invokes the handler registered for the
// event type. Handlers mutate the state and persist the new checkpoint
// themselves; on a version conflict the processor re-reads the latest
// checkpoint and re-runs the handler, bounded by the state's retry budget.
type Processor struct {
	store    stores.Store
	invoker  agents.Invoker
	notifier Notifier
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	handlers map[state.EventType]Handler
}

// NewProcessor creates an event processor with the built-in handlers
// registered. The invoker, notifier, logger and metrics may be nil; handlers
// degrade to state-only mutations when they are.
func NewProcessor(store stores.Store, invoker agents.Invoker, notifier Notifier, logger *telemetry.Logger, metrics *telemetry.Metrics) *Processor {
	if logger == nil {
		logger = telemetry.FromContext(context.Background())
	}
	p := &Processor{
		store:    store,
		invoker:  invoker,
		notifier: notifier,
		logger:   logger.NewComponentLogger("event-processor"),
		metrics:  metrics,
		handlers: make(map[state.EventType]Handler),
	}

	p.handlers[state.EventLocationScan] = p.handleLocationScan
	p.handlers[state.EventFlightDelay] = p.handleFlightDelay
	p.handlers[state.EventMishandlingDetected] = p.handleMishandling
	p.handlers[state.EventApprovalReceived] = p.handleApprovalReceived
	p.handlers[state.EventStatusUpdate] = p.handleStatusUpdate

	return p
}

// RegisterHandler registers or replaces the handler for an event type.
func (p *Processor) RegisterHandler(eventType state.EventType, h Handler) {
	p.handlers[eventType] = h
}

// HandleExternalEvent applies one external event to the entity's latest
// checkpoint. Events for entities in a terminal stage are logged and
// ignored. High and critical priority events additionally trigger an
// asynchronous notification after the handler completes.
func (p *Processor) HandleExternalEvent(ctx context.Context, bagID string, eventType state.EventType, data map[string]interface{}, priority Priority) (*Result, error) {
	if bagID == "" {
		return nil, engine.NewPermanentError("bag id is required", nil).WithCode(engine.ErrCodeValidation)
	}

	handler, ok := p.handlers[eventType]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no handler registered for event type %s", eventType), nil).
			WithBag(bagID).WithCode(engine.ErrCodeValidation)
	}

	log := p.logger.WithBagID(bagID).WithEventType(string(eventType))

	// Audit record first; the event log is independent of checkpoints.
	if _, err := p.store.SaveEvent(ctx, bagID, eventType, data, "external"); err != nil {
		p.metrics.RecordEventProcessed(string(eventType), "error")
		return nil, engine.NewPermanentError("failed to record event", err).
			WithBag(bagID).WithCode(engine.ErrCodePersistence)
	}

	var result *Result
	var err error
	for attempt := 0; ; attempt++ {
		cp, lerr := p.store.LoadLatestCheckpoint(ctx, bagID)
		if lerr != nil {
			if errors.Is(lerr, stores.ErrNotFound) {
				p.metrics.RecordEventProcessed(string(eventType), "not_found")
				return nil, engine.NewPermanentError("no checkpoint found for entity", lerr).
					WithBag(bagID).WithCode(engine.ErrCodeNotFound)
			}
			p.metrics.RecordEventProcessed(string(eventType), "error")
			return nil, engine.NewPermanentError("failed to load latest checkpoint", lerr).
				WithBag(bagID).WithCode(engine.ErrCodePersistence)
		}

		st := cp.State
		if st.Terminal() || st.Bag.CurrentStatus.IsTerminal() {
			log.WithField("stage", st.Bag.CurrentStatus).Info("Entity is terminal, event logged and ignored")
			p.metrics.RecordEventProcessed(string(eventType), "ignored")
			return &Result{
				BagID:     bagID,
				EventType: eventType,
				Ignored:   true,
				Message:   "entity reached a terminal stage",
				Stage:     st.Bag.CurrentStatus,
			}, nil
		}

		result, err = handler(ctx, bagID, data, st)
		if err == nil {
			break
		}
		if !engine.IsConflict(err) && !errors.Is(err, stores.ErrVersionConflict) {
			p.metrics.RecordEventProcessed(string(eventType), "error")
			return nil, err
		}
		if attempt >= st.MaxRetries {
			p.metrics.RecordEventProcessed(string(eventType), "conflict")
			return nil, engine.NewConflictError("checkpoint conflict persisted past retry budget", err).
				WithBag(bagID).WithCode(engine.ErrCodeConflict)
		}
		p.metrics.RecordVersionConflict("event_handler")
		log.WithField("attempt", attempt+1).Debug("Checkpoint conflict, re-reading and retrying handler")
	}

	p.metrics.RecordEventProcessed(string(eventType), "handled")
	log.WithField("stage", result.Stage).Info("Event handled")

	if priority == PriorityHigh || priority == PriorityCritical {
		p.notifyAsync(Notification{
			BagID:     bagID,
			EventType: eventType,
			Priority:  priority,
			Message:   result.Message,
			Timestamp: time.Now().UTC(),
		})
	}

	return result, nil
}

// notifyAsync fires the notification in the background so slow or failing
// notification delivery never blocks event processing for other entities.
func (p *Processor) notifyAsync(n Notification) {
	if p.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.notifier.Notify(ctx, n); err != nil {
			p.logger.WithBagID(n.BagID).WithError(err).Warn("Notification delivery failed")
		}
	}()
}

// saveCheckpoint persists the mutated state under the entity's current
// node. A stale version surfaces as a conflict to the dispatch loop.
func (p *Processor) saveCheckpoint(ctx context.Context, bagID string, st *state.WorkflowState) (string, error) {
	id, err := p.store.SaveCheckpoint(ctx, st.WorkflowID, bagID, st.CurrentNode, st)
	if err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			return "", engine.NewConflictError("checkpoint version conflict", err).
				WithBag(bagID).WithNode(st.CurrentNode).WithCode(engine.ErrCodeConflict)
		}
		p.metrics.RecordCheckpointWrite("error")
		return "", engine.NewPermanentError("failed to save checkpoint", err).
			WithBag(bagID).WithNode(st.CurrentNode).WithCode(engine.ErrCodePersistence)
	}
	p.metrics.RecordCheckpointWrite("ok")
	return id, nil
}

package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/bagtrail/bagtrail/pkg/state"
	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

// QueueOptions configures the bounded event queue.
type QueueOptions struct {
	// Partitions is the number of independent consumer lanes. Events are
	// assigned to a partition by hashing the bag id, which keeps events for
	// one bag in arrival order while different bags interleave freely.
	Partitions int

	// Capacity is the buffer size of each partition.
	Capacity int
}

// DefaultQueueOptions returns the default queue sizing.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Partitions: 8,
		Capacity:   256,
	}
}

// queueItem is one buffered external event awaiting dispatch.
type queueItem struct {
	BagID     string
	EventType state.EventType
	Data      map[string]interface{}
	Priority  Priority
}

// Queue is a bounded asynchronous buffer between event ingestion and the
// processor. Enqueue never blocks: when a partition is full the event is
// dropped with a log line and a metric, trading loss under overload for
// ingestion throughput.
type Queue struct {
	processor  *Processor
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	partitions []chan queueItem

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates an event queue feeding the given processor. The logger
// and metrics may be nil.
func NewQueue(processor *Processor, logger *telemetry.Logger, metrics *telemetry.Metrics, opts QueueOptions) *Queue {
	if logger == nil {
		logger = telemetry.FromContext(context.Background())
	}
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultQueueOptions().Partitions
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultQueueOptions().Capacity
	}

	partitions := make([]chan queueItem, opts.Partitions)
	for i := range partitions {
		partitions[i] = make(chan queueItem, opts.Capacity)
	}

	return &Queue{
		processor:  processor,
		logger:     logger.NewComponentLogger("event-queue"),
		metrics:    metrics,
		partitions: partitions,
		done:       make(chan struct{}),
	}
}

// Start launches one consumer goroutine per partition. Consumers run until
// ctx is cancelled or Close is called.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := range q.partitions {
			q.wg.Add(1)
			go q.consume(ctx, i)
		}
		q.logger.WithField("partitions", len(q.partitions)).Info("Event queue started")
	})
}

// Enqueue buffers an event for asynchronous processing. Returns ErrQueueFull
// when the bag's partition is at capacity; the event is dropped, not queued.
func (q *Queue) Enqueue(bagID string, eventType state.EventType, data map[string]interface{}, priority Priority) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("event queue is closed")
	}

	idx := q.partition(bagID)
	item := queueItem{
		BagID:     bagID,
		EventType: eventType,
		Data:      data,
		Priority:  priority,
	}

	select {
	case q.partitions[idx] <- item:
		q.metrics.SetQueueDepth(fmt.Sprintf("%d", idx), float64(len(q.partitions[idx])))
		return nil
	default:
		q.metrics.RecordEventDropped(string(eventType))
		q.logger.WithBagID(bagID).WithEventType(string(eventType)).
			WithField("partition", idx).
			Warn("Event queue partition full, dropping event")
		return ErrQueueFull
	}
}

// consume drains one partition sequentially, preserving per-bag ordering.
func (q *Queue) consume(ctx context.Context, idx int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case item := <-q.partitions[idx]:
			q.metrics.SetQueueDepth(fmt.Sprintf("%d", idx), float64(len(q.partitions[idx])))
			if _, err := q.processor.HandleExternalEvent(ctx, item.BagID, item.EventType, item.Data, item.Priority); err != nil {
				q.logger.WithBagID(item.BagID).WithEventType(string(item.EventType)).WithError(err).
					Error("Buffered event failed")
			}
		}
	}
}

// partition maps a bag id onto a consumer lane.
func (q *Queue) partition(bagID string) int {
	h := fnv.New32a()
	h.Write([]byte(bagID))
	return int(h.Sum32() % uint32(len(q.partitions)))
}

// Depth returns the current number of buffered events across all partitions.
func (q *Queue) Depth() int {
	total := 0
	for _, p := range q.partitions {
		total += len(p)
	}
	return total
}

// Close stops the consumers. Buffered events that have not been dispatched
// are discarded.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
		q.wg.Wait()
		q.logger.Info("Event queue stopped")
	})
}

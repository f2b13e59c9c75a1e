package stores

import (
	"context"
	"errors"
	"time"

	"github.com/bagtrail/bagtrail/pkg/state"
)

// Sentinel errors returned by store operations. Callers use errors.Is to
// distinguish "does not exist yet" and "stale write" from broken storage.
var (
	// ErrNotFound signals that a checkpoint, event or approval lookup missed.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict signals that a checkpoint save observed a version
	// newer than the one the writer read. The caller should re-read and retry
	// rather than overwrite.
	ErrVersionConflict = errors.New("checkpoint version conflict")
)

// Checkpoint is a durable, versioned snapshot of one workflow at one node.
type Checkpoint struct {
	CheckpointID string               `json:"checkpoint_id"`
	WorkflowID   string               `json:"workflow_id"`
	BagID        string               `json:"bag_id"`
	Node         string               `json:"node"`
	State        *state.WorkflowState `json:"state"`
	Timestamp    time.Time            `json:"timestamp"`
	Version      int                  `json:"version"`
}

// CheckpointMeta is the audit-trail view of a checkpoint, without the blob.
type CheckpointMeta struct {
	CheckpointID string    `json:"checkpoint_id"`
	WorkflowID   string    `json:"workflow_id"`
	Node         string    `json:"node"`
	Timestamp    time.Time `json:"timestamp"`
	Version      int       `json:"version"`
}

// StoredEvent is one row of the append-only per-bag event log.
type StoredEvent struct {
	EventID   string                 `json:"event_id"`
	BagID     string                 `json:"bag_id"`
	Type      state.EventType        `json:"event_type"`
	Data      map[string]interface{} `json:"event_data,omitempty"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
}

// ApprovalRequest tracks human-in-the-loop state outside the checkpoint blob,
// so approvers can query and act without deserializing full workflow state.
type ApprovalRequest struct {
	ApprovalID     string               `json:"approval_id"`
	WorkflowID     string               `json:"workflow_id"`
	BagID          string               `json:"bag_id"`
	InterventionID string               `json:"intervention_id"`
	Action         string               `json:"action"`
	Reason         string               `json:"reason"`
	ApproverRole   string               `json:"approver_role"`
	Status         state.ApprovalStatus `json:"status"`
	ApprovedBy     string               `json:"approved_by,omitempty"`
	Comments       string               `json:"comments,omitempty"`
	TimeoutAt      time.Time            `json:"timeout_at"`
	CreatedAt      time.Time            `json:"created_at"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty"`
}

// Store is the durable persistence contract for workflow snapshots, the bag
// event log and approval requests. It is the single synchronization point
// between the orchestrator and the event subsystem.
type Store interface {
	// SaveCheckpoint upserts the checkpoint for (workflowID, node).
	// The bag version carried by st is the writer's optimistic-concurrency
	// base; on success the store increments it in place and persists the
	// incremented value. A stale base returns ErrVersionConflict.
	SaveCheckpoint(ctx context.Context, workflowID, bagID, node string, st *state.WorkflowState) (string, error)

	// LoadCheckpoint retrieves a checkpoint by id. Misses return ErrNotFound.
	LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// LoadLatestCheckpoint retrieves the most recent checkpoint for a bag,
	// ordered by timestamp descending. Misses return ErrNotFound.
	LoadLatestCheckpoint(ctx context.Context, bagID string) (*Checkpoint, error)

	// GetCheckpointHistory returns checkpoint metadata for a bag, newest first.
	GetCheckpointHistory(ctx context.Context, bagID string, limit int) ([]CheckpointMeta, error)

	// SaveEvent appends to the bag's event log. The log is never rewritten.
	SaveEvent(ctx context.Context, bagID string, eventType state.EventType, data map[string]interface{}, source string) (string, error)

	// GetEvents returns a bag's events in non-decreasing timestamp order.
	GetEvents(ctx context.Context, bagID string, limit int) ([]StoredEvent, error)

	// SaveApprovalRequest records a pending approval with a timeout deadline.
	SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) (string, error)

	// GetApproval retrieves an approval request by id.
	GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error)

	// GetApprovalByIntervention retrieves the approval request tied to an
	// intervention, if one exists.
	GetApprovalByIntervention(ctx context.Context, interventionID string) (*ApprovalRequest, error)

	// UpdateApprovalStatus resolves an approval request.
	UpdateApprovalStatus(ctx context.Context, approvalID string, status state.ApprovalStatus, approvedBy, comments string) error

	// GetPendingApprovals lists pending requests, optionally filtered by role,
	// oldest first.
	GetPendingApprovals(ctx context.Context, approverRole string) ([]ApprovalRequest, error)

	// ExpireApprovals marks pending requests past their deadline as timed out
	// and returns the affected approval ids.
	ExpireApprovals(ctx context.Context, now time.Time) ([]string, error)

	// CleanupOldCheckpoints deletes checkpoints older than the retention
	// window. The most recent checkpoint of a still-running workflow is never
	// deleted. Returns the number of rows removed.
	CleanupOldCheckpoints(ctx context.Context, daysToKeep int) (int64, error)
}

package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/bagtrail/bagtrail/pkg/state"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)
	maxOpen, maxIdle := 25, 5
	if s.path == ":memory:" {
		// A second pooled connection to :memory: would open its own empty
		// database, so the pool is pinned to one connection.
		dsn = ":memory:?_txlock=immediate"
		maxOpen, maxIdle = 1, 1
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CheckpointID derives the deterministic checkpoint id for a workflow and
// node, so re-saving the same node is an upsert.
func CheckpointID(workflowID, node string) string {
	return fmt.Sprintf("CHK-%s-%s", workflowID, node)
}

// SaveCheckpoint upserts the checkpoint for (workflowID, node), guarded by a
// compare-and-swap on the bag's version. On success the state's version has
// been incremented and the incremented value persisted.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, workflowID, bagID, node string, st *state.WorkflowState) (string, error) {
	if st == nil || st.Bag == nil {
		return "", fmt.Errorf("workflow state is required")
	}

	checkpointID := CheckpointID(workflowID, node)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The bag's newest stored version across all of its checkpoints is the
	// CAS guard: a writer holding an older snapshot must re-read.
	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM checkpoints WHERE bag_id = ?`, bagID,
	).Scan(&current)
	if err != nil {
		return "", fmt.Errorf("failed to read current version: %w", err)
	}

	if current.Valid && int(current.Int64) != st.Bag.Version {
		return "", fmt.Errorf("bag %s: stored version %d, writer base %d: %w",
			bagID, current.Int64, st.Bag.Version, ErrVersionConflict)
	}

	next := st.Bag.Version + 1
	st.Bag.Version = next

	blob, err := json.Marshal(st)
	if err != nil {
		st.Bag.Version = next - 1
		return "", fmt.Errorf("failed to serialize state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, workflow_id, bag_id, node, state, status, timestamp, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			timestamp = excluded.timestamp,
			version = excluded.version
	`,
		checkpointID,
		workflowID,
		bagID,
		node,
		string(blob),
		string(st.Status),
		time.Now().UTC(),
		next,
	)
	if err != nil {
		st.Bag.Version = next - 1
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		st.Bag.Version = next - 1
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	return checkpointID, nil
}

// LoadCheckpoint retrieves a checkpoint by ID
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	query := `
		SELECT checkpoint_id, workflow_id, bag_id, node, state, timestamp, version
		FROM checkpoints
		WHERE checkpoint_id = ?
	`

	return s.scanCheckpoint(s.db.QueryRowContext(ctx, query, checkpointID))
}

// LoadLatestCheckpoint retrieves the most recent checkpoint for a bag
func (s *SQLiteStore) LoadLatestCheckpoint(ctx context.Context, bagID string) (*Checkpoint, error) {
	query := `
		SELECT checkpoint_id, workflow_id, bag_id, node, state, timestamp, version
		FROM checkpoints
		WHERE bag_id = ?
		ORDER BY timestamp DESC, version DESC
		LIMIT 1
	`

	return s.scanCheckpoint(s.db.QueryRowContext(ctx, query, bagID))
}

func (s *SQLiteStore) scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var blob string

	err := row.Scan(
		&cp.CheckpointID,
		&cp.WorkflowID,
		&cp.BagID,
		&cp.Node,
		&blob,
		&cp.Timestamp,
		&cp.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	st := &state.WorkflowState{}
	if err := json.Unmarshal([]byte(blob), st); err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}
	cp.State = st

	return cp, nil
}

// GetCheckpointHistory returns checkpoint metadata for a bag, newest first
func (s *SQLiteStore) GetCheckpointHistory(ctx context.Context, bagID string, limit int) ([]CheckpointMeta, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT checkpoint_id, workflow_id, node, timestamp, version
		FROM checkpoints
		WHERE bag_id = ?
		ORDER BY timestamp DESC, version DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, bagID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint history: %w", err)
	}
	defer rows.Close()

	history := []CheckpointMeta{}
	for rows.Next() {
		meta := CheckpointMeta{}
		err := rows.Scan(
			&meta.CheckpointID,
			&meta.WorkflowID,
			&meta.Node,
			&meta.Timestamp,
			&meta.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint meta: %w", err)
		}
		history = append(history, meta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint history: %w", err)
	}

	return history, nil
}

// SaveEvent appends a new event to the bag's event log
func (s *SQLiteStore) SaveEvent(ctx context.Context, bagID string, eventType state.EventType, data map[string]interface{}, source string) (string, error) {
	eventID := uuid.New().String()

	var blob []byte
	if data != nil {
		var err error
		blob, err = json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("failed to serialize event data: %w", err)
		}
	}

	query := `
		INSERT INTO bag_events (event_id, bag_id, event_type, event_data, source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		eventID,
		bagID,
		string(eventType),
		nullableString(blob),
		source,
		time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save event: %w", err)
	}

	return eventID, nil
}

// GetEvents returns a bag's events in non-decreasing timestamp order
func (s *SQLiteStore) GetEvents(ctx context.Context, bagID string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_id, bag_id, event_type, event_data, source, timestamp
		FROM bag_events
		WHERE bag_id = ?
		ORDER BY timestamp ASC, seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, bagID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		ev := StoredEvent{}
		var eventType string
		var blob sql.NullString

		err := rows.Scan(
			&ev.EventID,
			&ev.BagID,
			&eventType,
			&blob,
			&ev.Source,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Type = state.EventType(eventType)
		if blob.Valid && blob.String != "" {
			if err := json.Unmarshal([]byte(blob.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to deserialize event data: %w", err)
			}
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// SaveApprovalRequest records a pending approval request
func (s *SQLiteStore) SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) (string, error) {
	if req.ApprovalID == "" {
		req.ApprovalID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = state.ApprovalPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO approval_requests
			(approval_id, workflow_id, bag_id, intervention_id, action, reason,
			 approver_role, status, timeout_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		req.ApprovalID,
		req.WorkflowID,
		req.BagID,
		req.InterventionID,
		req.Action,
		req.Reason,
		req.ApproverRole,
		string(req.Status),
		req.TimeoutAt,
		req.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save approval request: %w", err)
	}

	return req.ApprovalID, nil
}

const approvalColumns = `
	approval_id, workflow_id, bag_id, intervention_id, action, reason,
	approver_role, status, approved_by, comments, timeout_at, created_at, resolved_at
`

// GetApproval retrieves an approval request by ID
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE approval_id = ?`
	return s.scanApproval(s.db.QueryRowContext(ctx, query, approvalID))
}

// GetApprovalByIntervention retrieves the approval request for an intervention
func (s *SQLiteStore) GetApprovalByIntervention(ctx context.Context, interventionID string) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE intervention_id = ? ORDER BY created_at DESC LIMIT 1`
	return s.scanApproval(s.db.QueryRowContext(ctx, query, interventionID))
}

func (s *SQLiteStore) scanApproval(row *sql.Row) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var status string
	var approvedBy, comments sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&req.ApprovalID,
		&req.WorkflowID,
		&req.BagID,
		&req.InterventionID,
		&req.Action,
		&req.Reason,
		&req.ApproverRole,
		&status,
		&approvedBy,
		&comments,
		&req.TimeoutAt,
		&req.CreatedAt,
		&resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	req.Status = state.ApprovalStatus(status)
	req.ApprovedBy = approvedBy.String
	req.Comments = comments.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}

	return req, nil
}

// UpdateApprovalStatus resolves an approval request
func (s *SQLiteStore) UpdateApprovalStatus(ctx context.Context, approvalID string, status state.ApprovalStatus, approvedBy, comments string) error {
	query := `
		UPDATE approval_requests
		SET status = ?, approved_by = ?, comments = ?, resolved_at = ?
		WHERE approval_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		approvedBy,
		comments,
		time.Now().UTC(),
		approvalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("approval request %s: %w", approvalID, ErrNotFound)
	}

	return nil
}

// GetPendingApprovals lists pending requests, oldest first
func (s *SQLiteStore) GetPendingApprovals(ctx context.Context, approverRole string) ([]ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND (? = '' OR approver_role = ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, approverRole, approverRole)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approvals: %w", err)
	}
	defer rows.Close()

	approvals := []ApprovalRequest{}
	for rows.Next() {
		req := ApprovalRequest{}
		var status string
		var approvedBy, comments sql.NullString
		var resolvedAt sql.NullTime

		err := rows.Scan(
			&req.ApprovalID,
			&req.WorkflowID,
			&req.BagID,
			&req.InterventionID,
			&req.Action,
			&req.Reason,
			&req.ApproverRole,
			&status,
			&approvedBy,
			&comments,
			&req.TimeoutAt,
			&req.CreatedAt,
			&resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}

		req.Status = state.ApprovalStatus(status)
		req.ApprovedBy = approvedBy.String
		req.Comments = comments.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			req.ResolvedAt = &t
		}
		approvals = append(approvals, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}

	return approvals, nil
}

// ExpireApprovals marks pending requests past their deadline as timed out
func (s *SQLiteStore) ExpireApprovals(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT approval_id FROM approval_requests WHERE status = 'pending' AND timeout_at <= ?`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}

	expired := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan approval id: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating expired approvals: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return expired, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = 'timeout', resolved_at = ?
		 WHERE status = 'pending' AND timeout_at <= ?`,
		now.UTC(), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to expire approvals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expiry: %w", err)
	}

	return expired, nil
}

// CleanupOldCheckpoints deletes checkpoints beyond the retention window.
// The newest checkpoint of any workflow that has not finished is always
// kept, including workflows paused on a pending approval.
func (s *SQLiteStore) CleanupOldCheckpoints(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	query := `
		DELETE FROM checkpoints
		WHERE timestamp < ?
		  AND checkpoint_id NOT IN (
			SELECT c.checkpoint_id
			FROM checkpoints c
			WHERE c.status IN ('running', 'paused')
			  AND c.version = (
				SELECT MAX(version) FROM checkpoints c2 WHERE c2.bag_id = c.bag_id
			  )
		  )
	`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

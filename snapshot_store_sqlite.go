package rewind

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL,
	step_index    INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	state         BLOB NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	is_checkpoint INTEGER NOT NULL DEFAULT 0,
	superseded    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_snapshots_execution
	ON snapshots (execution_id, step_index);

CREATE INDEX IF NOT EXISTS idx_snapshots_checkpoints
	ON snapshots (execution_id, step_index)
	WHERE is_checkpoint = 1 AND superseded = 0;

CREATE TABLE IF NOT EXISTS rollbacks (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL,
	checkpoint_id  TEXT NOT NULL,
	reason         TEXT NOT NULL,
	rolled_back_at TIMESTAMP NOT NULL,
	outcome        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rollbacks_execution
	ON rollbacks (execution_id, rolled_back_at);
`

// SQLiteSnapshotStore persists snapshots and rollback records in a SQLite
// database. It satisfies both SnapshotStore and RollbackLog.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (creating if needed) a SQLite database at the
// given path and ensures the schema exists. Use ":memory:" for an ephemeral
// store.
func NewSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

// Append writes a snapshot, assigning ID and Timestamp when unset.
func (s *SQLiteSnapshotStore) Append(ctx context.Context, snapshot *Snapshot) (*Snapshot, error) {
	stored := snapshot.Copy()
	if stored.ID == "" {
		stored.ID = NewSnapshotID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	metadata, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM snapshots
		 WHERE execution_id = ? AND step_index = ? AND superseded = 0`,
		stored.ExecutionID, stored.StepIndex).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("failed to check step index: %w", err)
	}
	if live > 0 {
		return nil, NewError(ErrDuplicateStep, "step %d already recorded", stored.StepIndex).
			WithExecution(stored.ExecutionID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots
		 (id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		stored.ID, stored.ExecutionID, stored.StepIndex, stored.Timestamp,
		stored.State, string(metadata), stored.IsCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return stored, nil
}

// GetByStep returns the live snapshot at the given step index.
func (s *SQLiteSnapshotStore) GetByStep(ctx context.Context, executionID string, stepIndex int) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded
		 FROM snapshots
		 WHERE execution_id = ? AND step_index = ? AND superseded = 0`,
		executionID, stepIndex)
	snapshot, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, NewError(ErrNotFound, "no snapshot at step %d", stepIndex).
			WithExecution(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snapshot, nil
}

// List returns live snapshots within the range, ordered by step index.
func (s *SQLiteSnapshotStore) List(ctx context.Context, executionID string, r ListRange) ([]*Snapshot, error) {
	query := `SELECT id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded
		FROM snapshots
		WHERE execution_id = ? AND superseded = 0 AND step_index >= ?`
	args := []any{executionID, r.From}
	if r.To > 0 {
		query += ` AND step_index < ?`
		args = append(args, r.To)
	}
	query += ` ORDER BY step_index ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// MarkSuperseded flags live snapshots after the given step index.
func (s *SQLiteSnapshotStore) MarkSuperseded(ctx context.Context, executionID string, fromStepExclusive int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET superseded = 1
		 WHERE execution_id = ? AND step_index > ? AND superseded = 0`,
		executionID, fromStepExclusive)
	if err != nil {
		return fmt.Errorf("failed to mark snapshots superseded: %w", err)
	}
	return nil
}

// ListCheckpoints returns live checkpoint snapshots ordered by step index.
func (s *SQLiteSnapshotStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded
		 FROM snapshots
		 WHERE execution_id = ? AND is_checkpoint = 1 AND superseded = 0
		 ORDER BY step_index ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// AppendRollback records a rollback attempt.
func (s *SQLiteSnapshotStore) AppendRollback(ctx context.Context, record *RollbackRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollbacks (id, execution_id, checkpoint_id, reason, rolled_back_at, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ExecutionID, record.CheckpointID, record.Reason,
		record.RolledBackAt, string(record.Outcome), record.Error)
	if err != nil {
		return fmt.Errorf("failed to insert rollback record: %w", err)
	}
	return nil
}

// ListRollbacks returns rollback records for an execution in append order.
func (s *SQLiteSnapshotStore) ListRollbacks(ctx context.Context, executionID string) ([]*RollbackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, checkpoint_id, reason, rolled_back_at, outcome, error
		 FROM rollbacks WHERE execution_id = ? ORDER BY rolled_back_at ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback records: %w", err)
	}
	defer rows.Close()

	var records []*RollbackRecord
	for rows.Next() {
		var record RollbackRecord
		var outcome string
		if err := rows.Scan(&record.ID, &record.ExecutionID, &record.CheckpointID,
			&record.Reason, &record.RolledBackAt, &outcome, &record.Error); err != nil {
			return nil, fmt.Errorf("failed to scan rollback record: %w", err)
		}
		record.Outcome = RollbackOutcome(outcome)
		records = append(records, &record)
	}
	return records, rows.Err()
}

// ListExecutions returns a summary of every execution with live history,
// newest first.
func (s *SQLiteSnapshotStore) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id,
			COUNT(1),
			SUM(is_checkpoint),
			MAX(step_index),
			MAX(created_at)
		 FROM snapshots
		 WHERE superseded = 0
		 GROUP BY execution_id
		 ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var summaries []*ExecutionSummary
	for rows.Next() {
		var summary ExecutionSummary
		if err := rows.Scan(&summary.ExecutionID, &summary.StepCount,
			&summary.CheckpointCount, &summary.LastStep, &summary.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution summary: %w", err)
		}
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snapshot Snapshot
	var metadata string
	if err := row.Scan(&snapshot.ID, &snapshot.ExecutionID, &snapshot.StepIndex,
		&snapshot.Timestamp, &snapshot.State, &metadata,
		&snapshot.IsCheckpoint, &snapshot.Superseded); err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &snapshot.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &snapshot, nil
}

func collectSnapshots(rows *sql.Rows) ([]*Snapshot, error) {
	var snapshots []*Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

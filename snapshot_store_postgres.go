package rewind

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL,
	step_index    INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	state         BYTEA NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}',
	is_checkpoint BOOLEAN NOT NULL DEFAULT FALSE,
	superseded    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_live_step
	ON snapshots (execution_id, step_index)
	WHERE superseded = FALSE;

CREATE INDEX IF NOT EXISTS idx_snapshots_checkpoints
	ON snapshots (execution_id, step_index)
	WHERE is_checkpoint = TRUE AND superseded = FALSE;

CREATE TABLE IF NOT EXISTS rollbacks (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL,
	checkpoint_id  TEXT NOT NULL,
	reason         TEXT NOT NULL,
	rolled_back_at TIMESTAMPTZ NOT NULL,
	outcome        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rollbacks_execution
	ON rollbacks (execution_id, rolled_back_at);
`

// PostgresSnapshotStore persists snapshots and rollback records in
// PostgreSQL. A partial unique index on (execution_id, step_index) over live
// rows enforces the duplicate-step rule at the database level, so concurrent
// appenders cannot both claim an index. Satisfies SnapshotStore and
// RollbackLog.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore wraps an existing database handle. Call Setup to
// ensure the schema exists.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// OpenPostgresSnapshotStore connects to PostgreSQL with the given DSN and
// ensures the schema exists.
func OpenPostgresSnapshotStore(ctx context.Context, dsn string) (*PostgresSnapshotStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	store := NewPostgresSnapshotStore(db)
	if err := store.Setup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Setup creates the schema if it does not exist.
func (s *PostgresSnapshotStore) Setup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresSnapshotStore) Close() error {
	return s.db.Close()
}

// Append writes a snapshot, assigning ID and Timestamp when unset.
func (s *PostgresSnapshotStore) Append(ctx context.Context, snapshot *Snapshot) (*Snapshot, error) {
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
	if stored.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots
		 (id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		stored.ID, stored.ExecutionID, stored.StepIndex, stored.Timestamp,
		stored.State, metadata, stored.IsCheckpoint)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, NewError(ErrDuplicateStep, "step %d already recorded", stored.StepIndex).
				WithExecution(stored.ExecutionID).Wrap(err)
		}
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return stored, nil
}

// isUniqueViolation reports whether the error is a postgres unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	if coded, ok := err.(sqlState); ok {
		return coded.SQLState() == "23505"
	}
	type pqError interface{ Get(byte) string }
	if pqErr, ok := err.(pqError); ok {
		return pqErr.Get('C') == "23505"
	}
	return false
}

// GetByStep returns the live snapshot at the given step index.
func (s *PostgresSnapshotStore) GetByStep(ctx context.Context, executionID string, stepIndex int) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded
		 FROM snapshots
		 WHERE execution_id = $1 AND step_index = $2 AND superseded = FALSE`,
		executionID, stepIndex)
	snapshot, err := scanPostgresSnapshot(row)
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
func (s *PostgresSnapshotStore) List(ctx context.Context, executionID string, r ListRange) ([]*Snapshot, error) {
	query := `SELECT id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded
		FROM snapshots
		WHERE execution_id = $1 AND superseded = FALSE AND step_index >= $2`
	args := []any{executionID, r.From}
	if r.To > 0 {
		query += ` AND step_index < $3`
		args = append(args, r.To)
	}
	query += ` ORDER BY step_index ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()
	return collectPostgresSnapshots(rows)
}

// MarkSuperseded flags live snapshots after the given step index.
func (s *PostgresSnapshotStore) MarkSuperseded(ctx context.Context, executionID string, fromStepExclusive int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET superseded = TRUE
		 WHERE execution_id = $1 AND step_index > $2 AND superseded = FALSE`,
		executionID, fromStepExclusive)
	if err != nil {
		return fmt.Errorf("failed to mark snapshots superseded: %w", err)
	}
	return nil
}

// ListCheckpoints returns live checkpoint snapshots ordered by step index.
func (s *PostgresSnapshotStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, created_at, state, metadata, is_checkpoint, superseded
		 FROM snapshots
		 WHERE execution_id = $1 AND is_checkpoint = TRUE AND superseded = FALSE
		 ORDER BY step_index ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()
	return collectPostgresSnapshots(rows)
}

// AppendRollback records a rollback attempt.
func (s *PostgresSnapshotStore) AppendRollback(ctx context.Context, record *RollbackRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollbacks (id, execution_id, checkpoint_id, reason, rolled_back_at, outcome, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.ExecutionID, record.CheckpointID, record.Reason,
		record.RolledBackAt, string(record.Outcome), record.Error)
	if err != nil {
		return fmt.Errorf("failed to insert rollback record: %w", err)
	}
	return nil
}

// ListRollbacks returns rollback records for an execution in append order.
func (s *PostgresSnapshotStore) ListRollbacks(ctx context.Context, executionID string) ([]*RollbackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, checkpoint_id, reason, rolled_back_at, outcome, error
		 FROM rollbacks WHERE execution_id = $1 ORDER BY rolled_back_at ASC`,
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

func scanPostgresSnapshot(row rowScanner) (*Snapshot, error) {
	var snapshot Snapshot
	var metadata []byte
	if err := row.Scan(&snapshot.ID, &snapshot.ExecutionID, &snapshot.StepIndex,
		&snapshot.Timestamp, &snapshot.State, &metadata,
		&snapshot.IsCheckpoint, &snapshot.Superseded); err != nil {
		return nil, err
	}
	if len(metadata) > 0 && string(metadata) != "{}" && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &snapshot.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &snapshot, nil
}

func collectPostgresSnapshots(rows *sql.Rows) ([]*Snapshot, error) {
	var snapshots []*Snapshot
	for rows.Next() {
		snapshot, err := scanPostgresSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

package rewind

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileSnapshotStore persists snapshots as JSON files under one directory per
// execution. Snapshot content is written once and never rewritten; marking a
// snapshot superseded rewrites only its eligibility flag. The same directory
// holds the execution's rollback audit log as an append-only JSON-lines
// file, so FileSnapshotStore also satisfies RollbackLog.
type FileSnapshotStore struct {
	dataDir string
}

// NewFileSnapshotStore creates a file-based snapshot store rooted at
// dataDir, defaulting to ~/.rewind/executions.
func NewFileSnapshotStore(dataDir string) (*FileSnapshotStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".rewind", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileSnapshotStore{dataDir: dataDir}, nil
}

func (s *FileSnapshotStore) executionDir(executionID string) string {
	return filepath.Join(s.dataDir, executionID)
}

func (s *FileSnapshotStore) snapshotPath(snapshot *Snapshot) string {
	name := fmt.Sprintf("step-%06d-%s.json", snapshot.StepIndex, snapshot.ID)
	return filepath.Join(s.executionDir(snapshot.ExecutionID), name)
}

// Append writes a snapshot file, assigning ID and Timestamp when unset.
func (s *FileSnapshotStore) Append(ctx context.Context, snapshot *Snapshot) (*Snapshot, error) {
	existing, err := s.loadAll(snapshot.ExecutionID)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.StepIndex == snapshot.StepIndex && !other.Superseded {
			return nil, NewError(ErrDuplicateStep, "step %d already recorded", snapshot.StepIndex).
				WithExecution(snapshot.ExecutionID)
		}
	}

	stored := snapshot.Copy()
	if stored.ID == "" {
		stored.ID = NewSnapshotID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	if err := os.MkdirAll(s.executionDir(stored.ExecutionID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create execution directory: %w", err)
	}
	if err := s.writeSnapshot(stored); err != nil {
		return nil, err
	}
	return stored.Copy(), nil
}

func (s *FileSnapshotStore) writeSnapshot(snapshot *Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.snapshotPath(snapshot), data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return nil
}

// loadAll reads every snapshot file for an execution, superseded included,
// ordered by step index then write order.
func (s *FileSnapshotStore) loadAll(executionID string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.executionDir(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read execution directory: %w", err)
	}

	var snapshots []*Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "step-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.executionDir(executionID), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot file: %w", err)
		}
		var snapshot Snapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", entry.Name(), err)
		}
		snapshots = append(snapshots, &snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].StepIndex != snapshots[j].StepIndex {
			return snapshots[i].StepIndex < snapshots[j].StepIndex
		}
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// GetByStep returns the live snapshot at the given step index.
func (s *FileSnapshotStore) GetByStep(ctx context.Context, executionID string, stepIndex int) (*Snapshot, error) {
	snapshots, err := s.loadAll(executionID)
	if err != nil {
		return nil, err
	}
	for _, snapshot := range snapshots {
		if snapshot.StepIndex == stepIndex && !snapshot.Superseded {
			return snapshot, nil
		}
	}
	return nil, NewError(ErrNotFound, "no snapshot at step %d", stepIndex).
		WithExecution(executionID)
}

// List returns live snapshots within the range, ordered by step index.
func (s *FileSnapshotStore) List(ctx context.Context, executionID string, r ListRange) ([]*Snapshot, error) {
	snapshots, err := s.loadAll(executionID)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, snapshot := range snapshots {
		if !snapshot.Superseded && r.Contains(snapshot.StepIndex) {
			out = append(out, snapshot)
		}
	}
	return out, nil
}

// MarkSuperseded flags live snapshots after the given step index.
func (s *FileSnapshotStore) MarkSuperseded(ctx context.Context, executionID string, fromStepExclusive int) error {
	snapshots, err := s.loadAll(executionID)
	if err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		if snapshot.StepIndex > fromStepExclusive && !snapshot.Superseded {
			snapshot.Superseded = true
			if err := s.writeSnapshot(snapshot); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListCheckpoints returns live checkpoint snapshots ordered by step index.
func (s *FileSnapshotStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Snapshot, error) {
	snapshots, err := s.loadAll(executionID)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, snapshot := range snapshots {
		if snapshot.IsCheckpoint && !snapshot.Superseded {
			out = append(out, snapshot)
		}
	}
	return out, nil
}

// AppendRollback appends a record to the execution's rollback audit file.
func (s *FileSnapshotStore) AppendRollback(ctx context.Context, record *RollbackRecord) error {
	if err := os.MkdirAll(s.executionDir(record.ExecutionID), 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal rollback record: %w", err)
	}
	path := filepath.Join(s.executionDir(record.ExecutionID), "rollbacks.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open rollback log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append rollback record: %w", err)
	}
	return nil
}

// ListRollbacks returns the execution's rollback records in append order.
func (s *FileSnapshotStore) ListRollbacks(ctx context.Context, executionID string) ([]*RollbackRecord, error) {
	path := filepath.Join(s.executionDir(executionID), "rollbacks.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open rollback log: %w", err)
	}
	defer f.Close()

	var records []*RollbackRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record RollbackRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rollback record: %w", err)
		}
		records = append(records, &record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rollback log: %w", err)
	}
	return records, nil
}

// ListExecutions returns a summary of every execution with recorded
// history, newest first.
func (s *FileSnapshotStore) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ExecutionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	var summaries []*ExecutionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summary, err := s.executionSummary(entry.Name())
		if err != nil || summary == nil {
			// Skip executions we can't read
			continue
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *FileSnapshotStore) executionSummary(executionID string) (*ExecutionSummary, error) {
	snapshots, err := s.loadAll(executionID)
	if err != nil || len(snapshots) == 0 {
		return nil, err
	}
	summary := &ExecutionSummary{ExecutionID: executionID}
	for _, snapshot := range snapshots {
		if snapshot.Superseded {
			continue
		}
		summary.StepCount++
		if snapshot.IsCheckpoint {
			summary.CheckpointCount++
		}
		summary.LastStep = snapshot.StepIndex
		if snapshot.Timestamp.After(summary.UpdatedAt) {
			summary.UpdatedAt = snapshot.Timestamp
		}
	}
	if summary.StepCount == 0 {
		return nil, nil
	}
	return summary, nil
}

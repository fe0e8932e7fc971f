// Package storage provides the GORM-backed checkpoint store and the
// per-project distributed lock manager.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelforge/reelforge/pkg/core"
)

// Store wraps a relational database holding checkpoints and locks.
type Store struct {
	db *gorm.DB
}

// New creates a Store over the given database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the checkpoint and lock tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Checkpoint{}, &core.Lock{})
}

// DB exposes the underlying handle, mainly for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// ──────────────────────────────────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────────────────────────────────

// SaveCheckpoint durably writes a new snapshot of project state. Rows are
// immutable once written; resume always reads the newest row.
func (s *Store) SaveCheckpoint(ctx context.Context, state *core.ProjectState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	cp := &core.Checkpoint{
		ID:        uuid.New().String(),
		ProjectID: state.ProjectID,
		Phase:     state.Phase,
		State:     blob,
	}
	if err := s.db.WithContext(ctx).Create(cp).Error; err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the latest snapshot for a project, or
// core.ErrNoCheckpoint when the project has never been checkpointed.
func (s *Store) LoadCheckpoint(ctx context.Context, projectID string) (*core.ProjectState, error) {
	var cp core.Checkpoint
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("seq DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var state core.ProjectState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
	}
	if state.Attempts == nil {
		state.Attempts = make(map[string]int)
	}
	return &state, nil
}

// PruneCheckpoints deletes all but the newest keep rows per project.
func (s *Store) PruneCheckpoints(ctx context.Context, projectID string, keep int) (int64, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&core.Checkpoint{}).
		Where("project_id = ?", projectID).
		Order("seq DESC").
		Offset(keep).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&core.Checkpoint{})
	return res.RowsAffected, res.Error
}

// ProjectIDs lists every project that has at least one checkpoint.
func (s *Store) ProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&core.Checkpoint{}).
		Distinct("project_id").
		Pluck("project_id", &ids).Error
	return ids, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Locks
// ──────────────────────────────────────────────────────────────────────────────

// TryAcquire attempts to take the per-project lock for workerID. It is a
// single conditional upsert: insert when absent, overwrite when the current
// row has expired (theft from a dead holder) or already belongs to this
// worker. Returns core.ErrLockHeld when another live worker owns the row.
func (s *Store) TryAcquire(ctx context.Context, projectID, workerID string, ttl time.Duration) error {
	now := time.Now().UTC()
	row := &core.Lock{
		ProjectID:  projectID,
		WorkerID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"worker_id":   workerID,
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Or(
				clause.Lt{Column: "expires_at", Value: now},
				clause.Eq{Column: "worker_id", Value: workerID},
			),
		}},
	}).Create(row)

	if res.Error != nil {
		return fmt.Errorf("acquire lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrLockHeld
	}
	return nil
}

// Refresh extends the lock expiry for the current holder. A worker that does
// not own the row cannot extend it.
func (s *Store) Refresh(ctx context.Context, projectID, workerID string, ttl time.Duration) error {
	res := s.db.WithContext(ctx).
		Model(&core.Lock{}).
		Where("project_id = ? AND worker_id = ?", projectID, workerID).
		Update("expires_at", time.Now().UTC().Add(ttl))
	if res.Error != nil {
		return fmt.Errorf("refresh lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotHeld
	}
	return nil
}

// Release deletes the lock row, only when held by workerID.
func (s *Store) Release(ctx context.Context, projectID, workerID string) error {
	res := s.db.WithContext(ctx).
		Where("project_id = ? AND worker_id = ?", projectID, workerID).
		Delete(&core.Lock{})
	if res.Error != nil {
		return fmt.Errorf("release lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotHeld
	}
	return nil
}

// SweepExpiredLocks deletes rows past their expiry. Expired rows are already
// stealable, so this is housekeeping for observability, not correctness.
func (s *Store) SweepExpiredLocks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&core.Lock{})
	return res.RowsAffected, res.Error
}

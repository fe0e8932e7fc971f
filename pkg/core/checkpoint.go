package core

import "time"

// Checkpoint is an immutable-per-write snapshot of project state plus the
// engine's step cursor. Multiple rows may exist per project; only the latest
// is read on resume.
type Checkpoint struct {
	// Seq orders rows by insertion; wall clocks collide within a tick.
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"uniqueIndex;size:36"`
	ProjectID string    `gorm:"index;size:64;not null"`
	Phase     string    `gorm:"size:64;not null"`
	State     []byte    `gorm:"type:bytes"` // serialized ProjectState
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

// Lock is the per-project mutual-exclusion row. At most one non-expired row
// exists per project; an expired row is owned by nobody and is stealable.
type Lock struct {
	ProjectID  string    `gorm:"primaryKey;size:64"`
	WorkerID   string    `gorm:"size:64;not null"`
	AcquiredAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}

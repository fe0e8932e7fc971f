package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCheckpoint signals a resume with no prior state; callers start fresh.
	ErrNoCheckpoint = errors.New("reelforge: no checkpoint for project")
	// ErrLockHeld signals the per-project lock is held by another worker.
	ErrLockHeld = errors.New("reelforge: lock held by another worker")
	// ErrNotHeld signals a refresh/release by a worker that does not own the lock.
	ErrNotHeld = errors.New("reelforge: lock not held by this worker")
	// ErrAborted signals an operator chose abort for a pending intervention.
	ErrAborted = errors.New("reelforge: workflow aborted by operator")
	// ErrNoUsableAttempt signals every generation attempt failed outright.
	ErrNoUsableAttempt = errors.New("reelforge: no attempt produced a usable asset")
)

// SafetyRejectionError is a content-policy rejection from a generation
// backend. Handled by prompt sanitization with its own retry budget.
type SafetyRejectionError struct {
	Prompt string
	Reason string
}

func (e *SafetyRejectionError) Error() string {
	return fmt.Sprintf("safety rejection: %s", e.Reason)
}

// IsSafetyRejection reports whether err is (or wraps) a safety rejection.
func IsSafetyRejection(err error) bool {
	var sr *SafetyRejectionError
	return errors.As(err, &sr)
}

// TransientError marks a network or rate-limit failure worth retrying
// within the quality loop's attempt budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// FatalInfraError marks an unrecoverable storage-backend failure. The
// dispatcher terminates the worker process on this class, relying on the
// orchestrator to restart it.
type FatalInfraError struct {
	Err error
}

func (e *FatalInfraError) Error() string { return fmt.Sprintf("fatal infrastructure: %v", e.Err) }
func (e *FatalInfraError) Unwrap() error { return e.Err }

// FatalInfra wraps an error as process-fatal.
func FatalInfra(err error) error { return &FatalInfraError{Err: err} }

// IsFatalInfra reports whether err is (or wraps) a fatal infrastructure error.
func IsFatalInfra(err error) bool {
	var fe *FatalInfraError
	return errors.As(err, &fe)
}

// SuspendError carries the intervention record when a workflow node gives up
// locally and hands control back to the dispatcher. It is not a failure:
// the enclosing state is checkpointed as suspended and resumed by a later
// RESOLVE_INTERVENTION command.
type SuspendError struct {
	Intervention *Intervention
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("suspended for intervention: %s (%s)", e.Intervention.Operation, e.Intervention.Error)
}

// AsSuspend extracts a SuspendError if err is one.
func AsSuspend(err error) (*SuspendError, bool) {
	var se *SuspendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelforge/reelforge/pkg/core"
)

// LoadOrStart returns the project's latest checkpointed state, or a fresh
// state when none exists. Resumed states always re-enter through sync_state
// regardless of the phase they were checkpointed in; the transition function
// routes them back to the right place.
func (e *Engine) LoadOrStart(ctx context.Context, projectID, creativePrompt, audioTrack, title string) (*core.ProjectState, error) {
	st, err := e.checkpoints.LoadCheckpoint(ctx, projectID)
	if errors.Is(err, core.ErrNoCheckpoint) {
		return core.NewProjectState(projectID, creativePrompt, audioTrack, title), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if st.Status == core.ProjectRunning || st.Status == core.ProjectStopped {
		st.Status = core.ProjectRunning
		st.Phase = ""
	}
	return st, nil
}

// Load returns the latest checkpointed state without creating one.
func (e *Engine) Load(ctx context.Context, projectID string) (*core.ProjectState, error) {
	return e.checkpoints.LoadCheckpoint(ctx, projectID)
}

// Run executes the workflow from the state's current phase until it reaches
// done, suspends, stops or fails. Every phase ends with a checkpoint and a
// FULL_STATE broadcast; a crash at any point resumes from the last
// checkpoint with the blob store reconciled by sync_state.
func (e *Engine) Run(ctx context.Context, st *core.ProjectState) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.Status != core.ProjectRunning {
			return nil
		}

		next := Next(st)
		if st.Pending != nil && st.Phase != "" {
			// Re-entering after a resolved intervention: the suspended phase
			// runs again and consumes the resolution itself.
			next = st.Phase
		}
		if next == PhaseDone {
			st.Phase = PhaseDone
			if err := e.checkpoint(ctx, st); err != nil {
				return err
			}
			e.emitLog(st, "info", "workflow complete")
			return nil
		}

		st.Phase = next
		node, ok := e.node(next)
		if !ok {
			return fmt.Errorf("no node registered for phase %q", next)
		}

		e.logger.Info("entering phase", "project_id", st.ProjectID, "phase", next)
		err := node(ctx, st)

		suspend, suspended := core.AsSuspend(err)
		switch {
		case err == nil:
			// fall through to checkpoint

		case suspended:
			st.Status = core.ProjectSuspended
			st.Pending = suspend.Intervention
			if cerr := e.checkpoint(ctx, st); cerr != nil {
				return cerr
			}
			e.bus.Emit(&core.InterventionNeeded{
				ProjectID: st.ProjectID, Intervention: suspend.Intervention,
				Timestamp: time.Now().UTC(),
			})
			e.emitLog(st, "warn", "suspended awaiting intervention: "+suspend.Intervention.Operation)
			return nil

		case errors.Is(err, core.ErrAborted):
			st.Status = core.ProjectFailed
			st.RecordError("aborted by operator")
			e.failAndCheckpoint(ctx, st, err)
			return nil

		default:
			st.Status = core.ProjectFailed
			st.RecordError(fmt.Sprintf("phase %s: %v", st.Phase, err))
			e.failAndCheckpoint(ctx, st, err)
			return err
		}

		if err := e.checkpoint(ctx, st); err != nil {
			return err
		}
	}
}

// checkpoint persists the state and broadcasts the full snapshot. The write
// is the durability boundary: progress is only visible after it lands.
func (e *Engine) checkpoint(ctx context.Context, st *core.ProjectState) error {
	st.UpdatedAt = time.Now().UTC()
	if err := e.checkpoints.SaveCheckpoint(ctx, st); err != nil {
		return fmt.Errorf("checkpoint phase %s: %w", st.Phase, err)
	}
	e.bus.Emit(&core.FullState{
		ProjectID: st.ProjectID, State: st, Timestamp: time.Now().UTC(),
	})
	return nil
}

// failAndCheckpoint records a terminal failure. The checkpoint here is best
// effort; the failure event is the user-visible surface either way.
func (e *Engine) failAndCheckpoint(ctx context.Context, st *core.ProjectState, cause error) {
	if err := e.checkpoint(ctx, st); err != nil {
		e.logger.Error("failed to checkpoint terminal state", "project_id", st.ProjectID, "error", err)
	}
	sceneID := ""
	if st.SceneIndex < len(st.Scenes) {
		sceneID = st.Scenes[st.SceneIndex].ID
	}
	e.bus.Emit(&core.WorkflowFailed{
		ProjectID: st.ProjectID, Cause: cause.Error(), Phase: st.Phase,
		SceneID: sceneID, Timestamp: time.Now().UTC(),
	})
}

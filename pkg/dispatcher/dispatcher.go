// Package dispatcher consumes pipeline commands from the queue, guards each
// project with a TTL lock, and drives the workflow engine.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reelforge/reelforge/pkg/core"
	"github.com/reelforge/reelforge/pkg/pipeline"
)

// TaskTypeCommand is the asynq task type carrying a pipeline command.
const TaskTypeCommand = "pipeline:command"

// LockStore is the per-project mutual-exclusion primitive.
type LockStore interface {
	TryAcquire(ctx context.Context, projectID, workerID string, ttl time.Duration) error
	Refresh(ctx context.Context, projectID, workerID string, ttl time.Duration) error
	Release(ctx context.Context, projectID, workerID string) error
}

// Saver persists state snapshots outside an engine run.
type Saver interface {
	SaveCheckpoint(ctx context.Context, state *core.ProjectState) error
}

// Emitter publishes events to connected clients.
type Emitter interface {
	Emit(e core.Event)
}

// Options carries the dispatcher tunables.
type Options struct {
	WorkerID  string
	LockTTL   time.Duration
	Heartbeat time.Duration
}

// Dispatcher is the asynq handler for pipeline commands. Multiple replicas
// compete for the same queue; the per-project lock decides which one runs.
type Dispatcher struct {
	engine *pipeline.Engine
	locks  LockStore
	saver  Saver
	bus    Emitter
	opts   Options
	logger *slog.Logger

	// fatal is invoked on unrecoverable storage failures. The default exits
	// the process so the orchestrator restarts a clean worker.
	fatal func(error)
}

// New wires a dispatcher.
func New(engine *pipeline.Engine, locks LockStore, saver Saver, bus Emitter, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		engine: engine,
		locks:  locks,
		saver:  saver,
		bus:    bus,
		opts:   opts,
		logger: logger,
	}
	d.fatal = func(err error) {
		logger.Error("fatal infrastructure failure, terminating worker", "error", err)
		panic(err)
	}
	return d
}

// SetFatalHandler overrides process termination, for tests.
func (d *Dispatcher) SetFatalHandler(fn func(error)) { d.fatal = fn }

// Mux returns the task router for an asynq server.
func (d *Dispatcher) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeCommand, d.HandleCommand)
	return mux
}

// HandleCommand processes one queued command. Malformed payloads are
// discarded permanently; lock contention drops the command silently, since
// another worker is already making progress on the project.
func (d *Dispatcher) HandleCommand(ctx context.Context, task *asynq.Task) error {
	var cmd core.Command
	if err := json.Unmarshal(task.Payload(), &cmd); err != nil {
		d.logger.Warn("discarding malformed command", "error", err)
		return fmt.Errorf("unmarshal command: %v: %w", err, asynq.SkipRetry)
	}
	if !cmd.Type.Valid() || cmd.ProjectID == "" {
		d.logger.Warn("discarding invalid command", "type", cmd.Type, "project_id", cmd.ProjectID)
		return fmt.Errorf("invalid command %q: %w", cmd.Type, asynq.SkipRetry)
	}

	if err := d.locks.TryAcquire(ctx, cmd.ProjectID, d.opts.WorkerID, d.opts.LockTTL); err != nil {
		if errors.Is(err, core.ErrLockHeld) {
			// Contention is normal under competing consumers. Dropping here
			// is deliberate: the holder is already driving this project.
			d.logger.Debug("lock held elsewhere, dropping command",
				"project_id", cmd.ProjectID, "type", cmd.Type)
			return nil
		}
		if core.IsFatalInfra(err) {
			d.fatal(err)
			return err
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopHeartbeat := d.startHeartbeat(runCtx, cancel, cmd.ProjectID)
	defer func() {
		stopHeartbeat()
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := d.locks.Release(releaseCtx, cmd.ProjectID, d.opts.WorkerID); err != nil && !errors.Is(err, core.ErrNotHeld) {
			d.logger.Warn("lock release failed", "project_id", cmd.ProjectID, "error", err)
		}
	}()

	err := d.dispatch(runCtx, &cmd)
	if core.IsFatalInfra(err) {
		d.fatal(err)
	}
	return err
}

// startHeartbeat extends the lock TTL periodically for the duration of a
// command. Losing the lock cancels the run context to stop the engine.
func (d *Dispatcher) startHeartbeat(ctx context.Context, cancel context.CancelFunc, projectID string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(d.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.locks.Refresh(ctx, projectID, d.opts.WorkerID, d.opts.LockTTL); err != nil {
					d.logger.Error("lock heartbeat failed, stopping run",
						"project_id", projectID, "error", err)
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd *core.Command) error {
	switch cmd.Type {
	case core.CmdStartPipeline:
		return d.handleStart(ctx, cmd)
	case core.CmdResumePipeline:
		return d.handleResume(ctx, cmd)
	case core.CmdRequestFullState:
		return d.handleFullState(ctx, cmd)
	case core.CmdRegenerateScene:
		return d.handleRegenerateScene(ctx, cmd)
	case core.CmdRegenerateFrame:
		return d.handleRegenerateFrame(ctx, cmd)
	case core.CmdResolveIntervention:
		return d.handleResolve(ctx, cmd)
	case core.CmdStopPipeline:
		return d.handleStop(ctx, cmd)
	default:
		return fmt.Errorf("unhandled command %q: %w", cmd.Type, asynq.SkipRetry)
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, cmd *core.Command) error {
	var payload core.StartPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("start payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.CreativePrompt == "" && payload.AudioTrack == "" {
		return fmt.Errorf("start without prompt or audio track: %w", asynq.SkipRetry)
	}

	st, err := d.engine.LoadOrStart(ctx, cmd.ProjectID, payload.CreativePrompt, payload.AudioTrack, payload.Title)
	if err != nil {
		return err
	}
	return d.run(ctx, st)
}

func (d *Dispatcher) handleResume(ctx context.Context, cmd *core.Command) error {
	st, err := d.engine.Load(ctx, cmd.ProjectID)
	if errors.Is(err, core.ErrNoCheckpoint) {
		d.logger.Warn("resume for unknown project, dropping", "project_id", cmd.ProjectID)
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status == core.ProjectComplete {
		d.logger.Info("resume for completed project, nothing to do", "project_id", cmd.ProjectID)
		return nil
	}
	if st.Status == core.ProjectSuspended {
		// A suspended project resumes only through RESOLVE_INTERVENTION.
		d.bus.Emit(&core.InterventionNeeded{
			ProjectID: st.ProjectID, Intervention: st.Pending,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}

	st.Status = core.ProjectRunning
	st.Phase = "" // re-enter through sync_state
	return d.run(ctx, st)
}

func (d *Dispatcher) handleFullState(ctx context.Context, cmd *core.Command) error {
	st, err := d.engine.Load(ctx, cmd.ProjectID)
	if errors.Is(err, core.ErrNoCheckpoint) {
		d.logger.Warn("full-state request for unknown project", "project_id", cmd.ProjectID)
		return nil
	}
	if err != nil {
		return err
	}
	d.bus.Emit(&core.FullState{
		ProjectID: st.ProjectID, State: st, Timestamp: time.Now().UTC(),
	})
	return nil
}

func (d *Dispatcher) handleRegenerateScene(ctx context.Context, cmd *core.Command) error {
	var payload core.RegenerateScenePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("regenerate-scene payload: %v: %w", err, asynq.SkipRetry)
	}

	st, err := d.engine.Load(ctx, cmd.ProjectID)
	if err != nil {
		if errors.Is(err, core.ErrNoCheckpoint) {
			return fmt.Errorf("regenerate for unknown project: %w", asynq.SkipRetry)
		}
		return err
	}
	scene := st.SceneByID(payload.SceneID)
	if scene == nil {
		return fmt.Errorf("unknown scene %q: %w", payload.SceneID, asynq.SkipRetry)
	}

	if st.ForceRegenerate == nil {
		st.ForceRegenerate = make(map[string]bool)
	}
	if st.PromptOverrides == nil {
		st.PromptOverrides = make(map[string]string)
	}
	if payload.ForceRegenerate {
		st.ForceRegenerate[scene.ID] = true
	}
	if payload.PromptModification != "" {
		st.PromptOverrides[scene.ID] = payload.PromptModification
	}

	// Rewind the cursor to the target scene. Later scenes keep their clips
	// and ride the skip path back to wherever processing had reached.
	st.SceneIndex = scene.Index
	scene.Status = core.ScenePending
	st.Status = core.ProjectRunning
	st.Phase = ""
	return d.run(ctx, st)
}

func (d *Dispatcher) handleRegenerateFrame(ctx context.Context, cmd *core.Command) error {
	var payload core.RegenerateFramePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("regenerate-frame payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Slot != "start" && payload.Slot != "end" {
		return fmt.Errorf("unknown frame slot %q: %w", payload.Slot, asynq.SkipRetry)
	}

	st, err := d.engine.Load(ctx, cmd.ProjectID)
	if err != nil {
		if errors.Is(err, core.ErrNoCheckpoint) {
			return fmt.Errorf("regenerate for unknown project: %w", asynq.SkipRetry)
		}
		return err
	}
	scene := st.SceneByID(payload.SceneID)
	if scene == nil {
		return fmt.Errorf("unknown scene %q: %w", payload.SceneID, asynq.SkipRetry)
	}

	if st.ForceRegenerate == nil {
		st.ForceRegenerate = make(map[string]bool)
	}
	if st.PromptOverrides == nil {
		st.PromptOverrides = make(map[string]string)
	}
	st.ForceRegenerate[scene.ID+"/"+payload.Slot] = true
	// The clip must also regenerate so it reflects the new keyframe.
	st.ForceRegenerate[scene.ID] = true
	if payload.PromptModification != "" {
		st.PromptOverrides[scene.ID] = payload.PromptModification
	}

	st.SceneIndex = scene.Index
	scene.Status = core.ScenePending
	st.Status = core.ProjectRunning
	// Enter ahead of the keyframe phase so the forced frame is rebuilt
	// before the scene loop consumes it.
	st.Phase = pipeline.PhaseLocationAssets
	return d.run(ctx, st)
}

func (d *Dispatcher) handleResolve(ctx context.Context, cmd *core.Command) error {
	var payload core.ResolvePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("resolve payload: %v: %w", err, asynq.SkipRetry)
	}

	st, err := d.engine.Load(ctx, cmd.ProjectID)
	if err != nil {
		if errors.Is(err, core.ErrNoCheckpoint) {
			return fmt.Errorf("resolve for unknown project: %w", asynq.SkipRetry)
		}
		return err
	}
	if st.Status != core.ProjectSuspended {
		d.logger.Warn("resolve for non-suspended project, dropping",
			"project_id", cmd.ProjectID, "status", st.Status)
		return nil
	}

	if err := pipeline.Resolve(st, &core.Resolution{
		Action:        payload.Action,
		RevisedParams: payload.RevisedParams,
	}); err != nil {
		return fmt.Errorf("resolve: %v: %w", err, asynq.SkipRetry)
	}
	d.bus.Emit(&core.InterventionResolved{
		ProjectID: st.ProjectID, Action: payload.Action, Timestamp: time.Now().UTC(),
	})

	if st.Status != core.ProjectRunning {
		// Abort: persist the terminal state and stop.
		st.UpdatedAt = time.Now().UTC()
		return d.saver.SaveCheckpoint(ctx, st)
	}
	return d.run(ctx, st)
}

func (d *Dispatcher) handleStop(ctx context.Context, cmd *core.Command) error {
	st, err := d.engine.Load(ctx, cmd.ProjectID)
	if errors.Is(err, core.ErrNoCheckpoint) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status != core.ProjectRunning && st.Status != core.ProjectSuspended {
		return nil
	}
	st.Status = core.ProjectStopped
	st.UpdatedAt = time.Now().UTC()
	if err := d.saver.SaveCheckpoint(ctx, st); err != nil {
		return err
	}
	d.bus.Emit(&core.FullState{
		ProjectID: st.ProjectID, State: st, Timestamp: time.Now().UTC(),
	})
	d.logger.Info("project stopped", "project_id", cmd.ProjectID)
	return nil
}

// run drives the engine. Workflow failures are terminal in-band outcomes
// already surfaced through WORKFLOW_FAILED; they must not trigger queue
// retries, which would rerun a failed project forever.
func (d *Dispatcher) run(ctx context.Context, st *core.ProjectState) error {
	err := d.engine.Run(ctx, st)
	if err == nil {
		return nil
	}
	if core.IsFatalInfra(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Lock loss or shutdown mid-run. The checkpoint has the progress;
		// a RESUME_PIPELINE picks it back up.
		d.logger.Warn("run interrupted", "project_id", st.ProjectID, "error", err)
		return nil
	}
	d.logger.Error("workflow failed", "project_id", st.ProjectID, "error", err)
	return nil
}

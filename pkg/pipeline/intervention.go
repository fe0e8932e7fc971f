package pipeline

import (
	"errors"
	"time"

	"github.com/reelforge/reelforge/pkg/core"
)

// errSkipped tells the calling node to proceed without the operation's
// result. Never surfaces outside the engine.
var errSkipped = errors.New("operation skipped by operator")

// callWithIntervention wraps a top-level capability call that has no
// automatic retry budget. On failure it does not loop in-process: it returns
// a SuspendError, the engine checkpoints the suspended state, and a later
// RESOLVE_INTERVENTION command re-enters the same node with the decision
// applied. Retries continue indefinitely under operator control.
func callWithIntervention[T any](
	st *core.ProjectState,
	operation string,
	params map[string]string,
	fn func(params map[string]string) (T, error),
) (T, error) {
	var zero T
	retryCount := 0

	// A resolution for this operation means we are re-entering after a
	// suspension; consume it.
	if st.Pending != nil && st.Pending.Operation == operation && st.Resolution != nil {
		res := st.Resolution
		retryCount = st.Pending.RetryCount + 1
		st.Pending = nil
		st.Resolution = nil

		switch res.Action {
		case core.ActionAbort:
			return zero, core.ErrAborted
		case core.ActionSkip:
			return zero, errSkipped
		case core.ActionRetry:
			if len(res.RevisedParams) > 0 {
				params = res.RevisedParams
			}
		}
	}

	result, err := fn(params)
	if err == nil {
		return result, nil
	}

	return zero, &core.SuspendError{Intervention: &core.Intervention{
		Kind:       "llm_call_failed",
		Operation:  operation,
		Error:      err.Error(),
		Params:     params,
		RetryCount: retryCount,
		CreatedAt:  time.Now().UTC(),
	}}
}

// Resolve applies an operator decision to a suspended state. It is a pure
// state transition; the caller persists and resumes. Abort is terminal.
func Resolve(st *core.ProjectState, decision *core.Resolution) error {
	if st.Pending == nil {
		return errors.New("no pending intervention to resolve")
	}
	switch decision.Action {
	case core.ActionAbort:
		st.Status = core.ProjectFailed
		st.RecordError("aborted by operator during " + st.Pending.Operation)
		st.Pending = nil
		st.Resolution = nil
		return nil
	case core.ActionRetry, core.ActionSkip:
		st.Resolution = decision
		st.Status = core.ProjectRunning
		return nil
	default:
		return errors.New("unknown resolution action: " + decision.Action)
	}
}

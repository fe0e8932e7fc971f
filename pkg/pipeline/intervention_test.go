package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/core"
)

func TestCallWithIntervention_SuspendsOnFailure(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")

	_, err := callWithIntervention(st, "expand_creative_prompt",
		map[string]string{"prompt": "a heist"},
		func(params map[string]string) (string, error) {
			return "", errors.New("model overloaded")
		})

	var suspend *core.SuspendError
	require.ErrorAs(t, err, &suspend)
	assert.Equal(t, "expand_creative_prompt", suspend.Intervention.Operation)
	assert.Equal(t, "model overloaded", suspend.Intervention.Error)
	assert.Equal(t, 0, suspend.Intervention.RetryCount)
	assert.Equal(t, "a heist", suspend.Intervention.Params["prompt"])
}

func TestCallWithIntervention_RetryWithRevisedParams(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Pending = &core.Intervention{Operation: "expand_creative_prompt", RetryCount: 1}
	st.Resolution = &core.Resolution{
		Action:        core.ActionRetry,
		RevisedParams: map[string]string{"prompt": "a gentler heist"},
	}

	var got string
	result, err := callWithIntervention(st, "expand_creative_prompt",
		map[string]string{"prompt": "a heist"},
		func(params map[string]string) (string, error) {
			got = params["prompt"]
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "a gentler heist", got)
	assert.Nil(t, st.Pending)
	assert.Nil(t, st.Resolution)
}

func TestCallWithIntervention_RetryCountCarriesAcrossSuspensions(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Pending = &core.Intervention{Operation: "op", RetryCount: 2}
	st.Resolution = &core.Resolution{Action: core.ActionRetry}

	_, err := callWithIntervention(st, "op", nil,
		func(map[string]string) (string, error) {
			return "", errors.New("still failing")
		})

	var suspend *core.SuspendError
	require.ErrorAs(t, err, &suspend)
	assert.Equal(t, 3, suspend.Intervention.RetryCount)
}

func TestCallWithIntervention_Skip(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Pending = &core.Intervention{Operation: "op"}
	st.Resolution = &core.Resolution{Action: core.ActionSkip}

	called := false
	_, err := callWithIntervention(st, "op", nil,
		func(map[string]string) (string, error) {
			called = true
			return "", nil
		})

	assert.ErrorIs(t, err, errSkipped)
	assert.False(t, called)
}

func TestCallWithIntervention_Abort(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Pending = &core.Intervention{Operation: "op"}
	st.Resolution = &core.Resolution{Action: core.ActionAbort}

	_, err := callWithIntervention(st, "op", nil,
		func(map[string]string) (string, error) { return "", nil })

	assert.ErrorIs(t, err, core.ErrAborted)
}

func TestCallWithIntervention_IgnoresResolutionForOtherOperation(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Pending = &core.Intervention{Operation: "other_op"}
	st.Resolution = &core.Resolution{Action: core.ActionSkip}

	result, err := callWithIntervention(st, "op", nil,
		func(map[string]string) (string, error) { return "ran", nil })

	require.NoError(t, err)
	assert.Equal(t, "ran", result)
	// The foreign resolution is left untouched.
	assert.NotNil(t, st.Pending)
	assert.NotNil(t, st.Resolution)
}

func TestResolve_Abort(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Status = core.ProjectSuspended
	st.Pending = &core.Intervention{Operation: "op"}

	require.NoError(t, Resolve(st, &core.Resolution{Action: core.ActionAbort}))
	assert.Equal(t, core.ProjectFailed, st.Status)
	assert.Nil(t, st.Pending)
	require.NotEmpty(t, st.Errors)
	assert.Contains(t, st.Errors[0], "aborted by operator")
}

func TestResolve_RetryResumesRunning(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Status = core.ProjectSuspended
	st.Pending = &core.Intervention{Operation: "op"}

	require.NoError(t, Resolve(st, &core.Resolution{Action: core.ActionRetry}))
	assert.Equal(t, core.ProjectRunning, st.Status)
	assert.NotNil(t, st.Resolution)
	assert.NotNil(t, st.Pending) // consumed by the re-entered node, not here
}

func TestResolve_NoPendingIntervention(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	assert.Error(t, Resolve(st, &core.Resolution{Action: core.ActionRetry}))
}

func TestResolve_UnknownAction(t *testing.T) {
	st := core.NewProjectState("proj-1", "prompt", "", "")
	st.Pending = &core.Intervention{Operation: "op"}
	assert.Error(t, Resolve(st, &core.Resolution{Action: "shrug"}))
}

package core_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/core"
)

func TestNextAttempt_MonotonicPerSlot(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")

	assert.Equal(t, 1, st.NextAttempt(core.AssetVideo, "s1"))
	assert.Equal(t, 2, st.NextAttempt(core.AssetVideo, "s1"))
	assert.Equal(t, 1, st.NextAttempt(core.AssetVideo, "s2"))
	assert.Equal(t, 1, st.NextAttempt(core.AssetStartFrame, "s1"))
}

func TestMergeAttempts_MaxWins(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Attempts["video/s1"] = 3
	st.Attempts["video/s2"] = 1

	st.MergeAttempts(map[string]int{
		"video/s1":       1, // stale, must not regress
		"video/s2":       4,
		"start_frame/s1": 2,
	})

	assert.Equal(t, 3, st.Attempts["video/s1"])
	assert.Equal(t, 4, st.Attempts["video/s2"])
	assert.Equal(t, 2, st.Attempts["start_frame/s1"])

	// Numbering continues past the merged high-water mark.
	assert.Equal(t, 5, st.NextAttempt(core.AssetVideo, "s2"))
}

func TestMergeAttempts_NilMap(t *testing.T) {
	st := &core.ProjectState{}
	st.MergeAttempts(map[string]int{"video/s1": 2})
	assert.Equal(t, 2, st.Attempts["video/s1"])
}

func TestSceneByID(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Scenes = []*core.Scene{{ID: "a"}, {ID: "b"}}

	require.NotNil(t, st.SceneByID("b"))
	assert.Nil(t, st.SceneByID("missing"))
}

func TestHasGeneratedClips(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Scenes = []*core.Scene{{ID: "a"}, {ID: "b"}}
	assert.False(t, st.HasGeneratedClips())

	st.Scenes[1].Video = "p/clips/b_01.mp4"
	assert.True(t, st.HasGeneratedClips())
}

func TestRecordError_KeepsMostRecent(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	for i := 0; i < 60; i++ {
		st.RecordError(fmt.Sprintf("error %d", i))
	}
	assert.Len(t, st.Errors, 50)
	assert.Equal(t, "error 10", st.Errors[0])
	assert.Equal(t, "error 59", st.Errors[49])
}

func TestCommandType_Valid(t *testing.T) {
	assert.True(t, core.CmdStartPipeline.Valid())
	assert.True(t, core.CmdResolveIntervention.Valid())
	assert.False(t, core.CommandType("DANCE").Valid())
	assert.False(t, core.CommandType("").Valid())
}

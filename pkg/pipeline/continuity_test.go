package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/core"
	"github.com/reelforge/reelforge/pkg/pipeline"
)

func entries(pairs ...core.TemporalEntry) []core.TemporalEntry { return pairs }

func TestEvolveTemporal_Deterministic(t *testing.T) {
	narrative := "Mara is injured in the storm, mud on her coat, rage in her eyes."

	a := pipeline.EvolveTemporal(core.TemporalState{}, narrative, 2)
	b := pipeline.EvolveTemporal(core.TemporalState{}, narrative, 2)

	assert.Equal(t, a, b)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 2, Term: "injured"}), a.Injuries)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 2, Term: "mud"}), a.Grime)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 2, Term: "storm"}), a.Weather)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 2, Term: "rage"}), a.Emotions)
	assert.Equal(t, 3, a.AppliedThrough)
}

func TestEvolveTemporal_AppendOnly(t *testing.T) {
	ts := pipeline.EvolveTemporal(core.TemporalState{}, "cut on his arm at dusk", 0)
	require.Equal(t, entries(core.TemporalEntry{Scene: 0, Term: "cut"}), ts.Injuries)

	ts = pipeline.EvolveTemporal(ts, "a fresh bruise under the rain", 1)
	assert.Equal(t, entries(
		core.TemporalEntry{Scene: 0, Term: "cut"},
		core.TemporalEntry{Scene: 1, Term: "bruise"},
	), ts.Injuries)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 0, Term: "dusk"}), ts.Lighting)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 1, Term: "rain"}), ts.Weather)
	assert.Equal(t, 2, ts.AppliedThrough)
}

func TestEvolveTemporal_NoMatchesStillAdvancesCursor(t *testing.T) {
	ts := pipeline.EvolveTemporal(core.TemporalState{}, "they talk quietly", 4)
	assert.Empty(t, ts.Injuries)
	assert.Empty(t, ts.Weather)
	assert.Equal(t, 5, ts.AppliedThrough)
}

func TestEvolveTemporal_ReapplyingSeenSceneIsNoop(t *testing.T) {
	ts := pipeline.EvolveTemporal(core.TemporalState{}, "bleeding in the rain at night", 1)
	require.Len(t, ts.Injuries, 1)

	again := pipeline.EvolveTemporal(ts, "bleeding in the rain at night", 1)
	assert.Equal(t, ts, again)
}

func TestApplyScene_EvolvesOnlyParticipants(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Characters = []*core.Entity{
		{ID: "mara", Name: "Mara"},
		{ID: "jonas", Name: "Jonas"},
	}
	st.Locations = []*core.Entity{{ID: "alley", Name: "Alley"}}

	scene := &core.Scene{
		Index:      1,
		Narrative:  "Mara, bleeding, stumbles through the rain.",
		Characters: []string{"mara"},
		Location:   "alley",
	}
	pipeline.ApplyScene(st, scene)

	assert.NotEmpty(t, st.Characters[0].State.Injuries)
	assert.Empty(t, st.Characters[1].State.Injuries)
	assert.Equal(t, entries(core.TemporalEntry{Scene: 1, Term: "rain"}), st.Locations[0].State.Weather)
}

func TestApplyScene_RewindDoesNotDuplicate(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Characters = []*core.Entity{{ID: "mara", Name: "Mara"}}
	st.Locations = []*core.Entity{{ID: "alley", Name: "Alley"}}

	scene0 := &core.Scene{Index: 0, Narrative: "Mara walks in at dusk.", Characters: []string{"Mara"}, Location: "Alley"}
	scene1 := &core.Scene{Index: 1, Narrative: "Mara is bleeding, a cut across her brow.", Characters: []string{"Mara"}, Location: "Alley"}

	pipeline.ApplyScene(st, scene0)
	pipeline.ApplyScene(st, scene1)
	require.Len(t, st.Characters[0].State.Injuries, 2)

	// Scene regeneration rewinds and reprocesses scene 1.
	pipeline.ApplyScene(st, scene1)
	assert.Len(t, st.Characters[0].State.Injuries, 2)
	assert.Len(t, st.Locations[0].State.Lighting, 1)
}

func TestContinuityClauses_CarriesForwardState(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Characters = []*core.Entity{{
		ID: "mara", Name: "Mara",
		State: core.TemporalState{
			Injuries: entries(
				core.TemporalEntry{Scene: 0, Term: "cut"},
				core.TemporalEntry{Scene: 1, Term: "bruise"},
			),
			Grime: entries(core.TemporalEntry{Scene: 1, Term: "mud"}),
		},
	}}
	st.Locations = []*core.Entity{{
		ID: "alley", Name: "Alley",
		State: core.TemporalState{
			Weather:  entries(core.TemporalEntry{Scene: 0, Term: "rain"}),
			Lighting: entries(core.TemporalEntry{Scene: 1, Term: "night"}),
		},
	}}

	scene := &core.Scene{Index: 2, Characters: []string{"Mara"}, Location: "Alley"}
	clause := pipeline.ContinuityClauses(st, scene)

	assert.Contains(t, clause, "continuity:")
	assert.Contains(t, clause, "Mara: visible bruise, mud on clothing")
	assert.Contains(t, clause, "weather: rain")
	assert.Contains(t, clause, "lighting: night")
}

func TestContinuityClauses_RewindSeesOnlyEarlierScenes(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Characters = []*core.Entity{{ID: "mara", Name: "Mara"}}
	st.Locations = []*core.Entity{{ID: "alley", Name: "Alley"}}

	scene0 := &core.Scene{Index: 0, Narrative: "Mara walks in at dusk.", Characters: []string{"Mara"}, Location: "Alley"}
	scene1 := &core.Scene{Index: 1, Narrative: "Mara is bleeding in the rain.", Characters: []string{"Mara"}, Location: "Alley"}
	pipeline.ApplyScene(st, scene0)
	pipeline.ApplyScene(st, scene1)

	// Regenerating scene 0 must not see anything scene 1 established.
	assert.Empty(t, pipeline.ContinuityClauses(st, scene0))

	// Regenerating scene 1 still carries scene 0's lighting forward.
	clause1 := pipeline.ContinuityClauses(st, scene1)
	assert.Contains(t, clause1, "lighting: dusk")
	assert.NotContains(t, clause1, "bleeding")
}

func TestContinuityClauses_EmptyWithoutHistory(t *testing.T) {
	st := core.NewProjectState("p", "prompt", "", "")
	st.Characters = []*core.Entity{{ID: "mara", Name: "Mara"}}

	scene := &core.Scene{Characters: []string{"Mara"}}
	assert.Empty(t, pipeline.ContinuityClauses(st, scene))
}

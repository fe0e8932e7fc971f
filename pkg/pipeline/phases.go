package pipeline

import "github.com/reelforge/reelforge/pkg/core"

// Phase names. The workflow is an explicit enum plus a transition function,
// not a generic graph, so every edge is statically checkable.
const (
	PhaseSyncState       = "sync_state"
	PhaseExpandPrompt    = "expand_creative_prompt"
	PhaseScenesFromAudio = "create_scenes_from_audio"
	PhaseEnrichBoard     = "enrich_storyboard"
	PhaseStoryboard      = "generate_storyboard_from_prompt"
	PhaseCharacterAssets = "generate_character_assets"
	PhaseLocationAssets  = "generate_location_assets"
	PhaseSceneKeyframes  = "generate_scene_assets"
	PhaseProcessScene    = "process_scene"
	PhaseRender          = "render_video"
	PhaseFinalize        = "finalize"
	PhaseDone            = "done"
)

// Next computes the phase following the one recorded on state. Conditional
// edges read only the state passed in.
func Next(st *core.ProjectState) string {
	switch st.Phase {
	case "":
		return PhaseSyncState
	case PhaseSyncState:
		// Resume mid-scene-loop when any clip already exists; otherwise the
		// canonical path starts at prompt expansion.
		if st.HasGeneratedClips() {
			return PhaseProcessScene
		}
		return PhaseExpandPrompt
	case PhaseExpandPrompt:
		if st.AudioTrack != "" {
			return PhaseScenesFromAudio
		}
		return PhaseStoryboard
	case PhaseScenesFromAudio:
		return PhaseEnrichBoard
	case PhaseEnrichBoard, PhaseStoryboard:
		return PhaseCharacterAssets
	case PhaseCharacterAssets:
		return PhaseLocationAssets
	case PhaseLocationAssets:
		return PhaseSceneKeyframes
	case PhaseSceneKeyframes:
		return PhaseProcessScene
	case PhaseProcessScene:
		// Self-loop while scenes remain.
		if st.SceneIndex < len(st.Scenes) {
			return PhaseProcessScene
		}
		return PhaseRender
	case PhaseRender:
		return PhaseFinalize
	case PhaseFinalize:
		return PhaseDone
	default:
		return PhaseDone
	}
}

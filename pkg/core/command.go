package core

import "encoding/json"

// CommandType enumerates the inbound command vocabulary.
type CommandType string

const (
	CmdStartPipeline       CommandType = "START_PIPELINE"
	CmdResumePipeline      CommandType = "RESUME_PIPELINE"
	CmdRequestFullState    CommandType = "REQUEST_FULL_STATE"
	CmdRegenerateScene     CommandType = "REGENERATE_SCENE"
	CmdRegenerateFrame     CommandType = "REGENERATE_FRAME"
	CmdResolveIntervention CommandType = "RESOLVE_INTERVENTION"
	CmdStopPipeline        CommandType = "STOP_PIPELINE"
)

// Command is the wire shape consumed from the queue.
type Command struct {
	Type      CommandType     `json:"type"`
	ProjectID string          `json:"projectId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
}

// StartPayload is the START_PIPELINE payload.
type StartPayload struct {
	CreativePrompt string `json:"creativePrompt"`
	AudioTrack     string `json:"audioTrack,omitempty"`
	Title          string `json:"title,omitempty"`
}

// RegenerateScenePayload is the REGENERATE_SCENE payload.
type RegenerateScenePayload struct {
	SceneID            string `json:"sceneId"`
	ForceRegenerate    bool   `json:"forceRegenerate"`
	PromptModification string `json:"promptModification,omitempty"`
}

// RegenerateFramePayload is the REGENERATE_FRAME payload.
type RegenerateFramePayload struct {
	SceneID            string `json:"sceneId"`
	Slot               string `json:"slot"` // "start" or "end"
	PromptModification string `json:"promptModification,omitempty"`
}

// ResolvePayload is the RESOLVE_INTERVENTION payload.
type ResolvePayload struct {
	Action        string            `json:"action"`
	RevisedParams map[string]string `json:"revisedParams,omitempty"`
}

// Valid reports whether the command type is part of the vocabulary.
func (t CommandType) Valid() bool {
	switch t {
	case CmdStartPipeline, CmdResumePipeline, CmdRequestFullState,
		CmdRegenerateScene, CmdRegenerateFrame, CmdResolveIntervention,
		CmdStopPipeline:
		return true
	}
	return false
}

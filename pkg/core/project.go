// Package core provides the domain models shared across the pipeline.
package core

import (
	"fmt"
	"time"
)

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectRunning   ProjectStatus = "running"
	ProjectSuspended ProjectStatus = "suspended" // waiting for an intervention decision
	ProjectStopped   ProjectStatus = "stopped"
	ProjectFailed    ProjectStatus = "failed"
	ProjectComplete  ProjectStatus = "complete"
)

// AssetType identifies the slot an attempt was generated for.
type AssetType string

const (
	AssetStartFrame AssetType = "start_frame"
	AssetEndFrame   AssetType = "end_frame"
	AssetVideo      AssetType = "video"
	AssetReference  AssetType = "reference"
)

// SceneStatus tracks per-scene progress.
type SceneStatus string

const (
	ScenePending       SceneStatus = "pending"
	SceneGenerated     SceneStatus = "generated"
	SceneStatusSkipped SceneStatus = "skipped"
)

// Scene is one storyboard entry plus its generated-asset references.
type Scene struct {
	ID          string      `json:"id"`
	Index       int         `json:"index"`
	Title       string      `json:"title"`
	Narrative   string      `json:"narrative"`
	Prompt      string      `json:"prompt"`
	DurationSec float64     `json:"durationSec,omitempty"`
	Characters  []string    `json:"characters,omitempty"`
	Location    string      `json:"location,omitempty"`
	StartFrame  string      `json:"startFrame,omitempty"` // blob key
	EndFrame    string      `json:"endFrame,omitempty"`   // blob key
	Video       string      `json:"generatedVideo,omitempty"`
	Status      SceneStatus `json:"status"`
	Score       float64     `json:"score,omitempty"`
	Warning     string      `json:"warning,omitempty"`
}

// TemporalEntry records one continuity fact and the scene that established
// it. The scene index lets prompt assembly exclude facts from later scenes
// when an earlier scene is reprocessed.
type TemporalEntry struct {
	Scene int    `json:"scene"`
	Term  string `json:"term"`
}

// TemporalState is the append-evolving continuity record for an entity.
// Past entries are never rewritten, only extended as scenes are processed.
type TemporalState struct {
	Injuries []TemporalEntry `json:"injuries,omitempty"`
	Grime    []TemporalEntry `json:"grime,omitempty"`
	Weather  []TemporalEntry `json:"weatherHistory,omitempty"`
	Lighting []TemporalEntry `json:"lightingHistory,omitempty"`
	Emotions []TemporalEntry `json:"emotionalHistory,omitempty"`
	// AppliedThrough is one past the highest scene index folded into this
	// state. Re-applying an already-seen scene is a no-op.
	AppliedThrough int `json:"appliedThrough"`
}

// Entity is a character or location with an immutable baseline description
// and a mutable temporal state.
type Entity struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Reference   string        `json:"reference,omitempty"` // blob key of the reference image
	State       TemporalState `json:"state"`
}

// Intervention is the pending operator decision attached to a suspended
// project. It mirrors the LLM_INTERVENTION_NEEDED event payload.
type Intervention struct {
	Kind       string            `json:"kind"`
	Operation  string            `json:"operation"`
	Error      string            `json:"error"`
	Params     map[string]string `json:"failingParams,omitempty"`
	RetryCount int               `json:"retryCount"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Resolution is an operator decision delivered by RESOLVE_INTERVENTION.
type Resolution struct {
	Action        string            `json:"action"` // retry | skip | abort
	RevisedParams map[string]string `json:"revisedParams,omitempty"`
}

const (
	ActionRetry = "retry"
	ActionSkip  = "skip"
	ActionAbort = "abort"
)

// ProjectState is the unit of durable execution, snapshotted into the
// checkpoint store after every phase.
type ProjectState struct {
	ProjectID      string        `json:"projectId"`
	Title          string        `json:"title,omitempty"`
	Status         ProjectStatus `json:"status"`
	Phase          string        `json:"phase"`
	CreativePrompt string        `json:"creativePrompt,omitempty"`
	ExpandedPrompt string        `json:"expandedPrompt,omitempty"`
	AudioTrack     string        `json:"audioTrack,omitempty"` // blob key, empty when prompt-driven

	SceneIndex int       `json:"currentSceneIndex"`
	Scenes     []*Scene  `json:"scenes"`
	Characters []*Entity `json:"characters"`
	Locations  []*Entity `json:"locations"`

	// Rules accumulated from evaluations; each biases future prompts.
	GenerationRules []string `json:"generationRules,omitempty"`

	// Attempts maps asset keys to the highest attempt number observed.
	// Reconciled against the blob store at sync points; never the sole
	// source of truth.
	Attempts map[string]int `json:"attempts"`

	// Regeneration controls set by REGENERATE_SCENE / REGENERATE_FRAME,
	// cleared once the scene is reprocessed.
	ForceRegenerate map[string]bool   `json:"forceRegenerate,omitempty"`
	PromptOverrides map[string]string `json:"promptOverrides,omitempty"`

	Pending    *Intervention `json:"pendingIntervention,omitempty"`
	Resolution *Resolution   `json:"resolution,omitempty"`

	FinalVideo string    `json:"finalVideo,omitempty"`
	Errors     []string  `json:"errorLog,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewProjectState builds the initial state for a fresh START_PIPELINE.
func NewProjectState(projectID, creativePrompt, audioTrack, title string) *ProjectState {
	now := time.Now().UTC()
	return &ProjectState{
		ProjectID:      projectID,
		Title:          title,
		Status:         ProjectRunning,
		CreativePrompt: creativePrompt,
		AudioTrack:     audioTrack,
		Attempts:       make(map[string]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AttemptKey is the canonical attempts-map key for an asset slot.
func AttemptKey(t AssetType, sceneID string) string {
	return fmt.Sprintf("%s/%s", t, sceneID)
}

// NextAttempt bumps and returns the attempt number for the given slot.
// Attempt numbers are strictly increasing and never reused.
func (p *ProjectState) NextAttempt(t AssetType, sceneID string) int {
	key := AttemptKey(t, sceneID)
	p.Attempts[key]++
	return p.Attempts[key]
}

// MergeAttempts folds observed attempt numbers into the map, max-wins.
// Used by sync_state to reconcile against blob-store reality.
func (p *ProjectState) MergeAttempts(observed map[string]int) {
	if p.Attempts == nil {
		p.Attempts = make(map[string]int)
	}
	for k, n := range observed {
		if n > p.Attempts[k] {
			p.Attempts[k] = n
		}
	}
}

// SceneByID returns the scene with the given id, or nil.
func (p *ProjectState) SceneByID(id string) *Scene {
	for _, s := range p.Scenes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// HasGeneratedClips reports whether any scene already carries a video,
// which drives the resume decision straight into the scene loop.
func (p *ProjectState) HasGeneratedClips() bool {
	for _, s := range p.Scenes {
		if s.Video != "" {
			return true
		}
	}
	return false
}

// RecordError appends to the error log, keeping the most recent entries.
func (p *ProjectState) RecordError(msg string) {
	p.Errors = append(p.Errors, msg)
	if len(p.Errors) > 50 {
		p.Errors = p.Errors[len(p.Errors)-50:]
	}
}

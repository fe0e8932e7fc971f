package core

import "time"

// Event is the interface for all outbound pipeline events.
type Event interface {
	EventType() string
	Project() string
}

// FullState carries the entire project snapshot, emitted after every phase.
type FullState struct {
	ProjectID string        `json:"projectId"`
	State     *ProjectState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *FullState) EventType() string { return "FULL_STATE" }
func (e *FullState) Project() string   { return e.ProjectID }

// SceneStarted is emitted when scene processing begins.
type SceneStarted struct {
	ProjectID string    `json:"projectId"`
	SceneID   string    `json:"sceneId"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *SceneStarted) EventType() string { return "SCENE_STARTED" }
func (e *SceneStarted) Project() string   { return e.ProjectID }

// SceneCompleted is emitted after a scene's clip is durably persisted.
type SceneCompleted struct {
	ProjectID string        `json:"projectId"`
	SceneID   string        `json:"sceneId"`
	Index     int           `json:"index"`
	Score     float64       `json:"score"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *SceneCompleted) EventType() string { return "SCENE_COMPLETED" }
func (e *SceneCompleted) Project() string   { return e.ProjectID }

// SceneSkipped is emitted when an existing blob short-circuits generation.
type SceneSkipped struct {
	ProjectID string    `json:"projectId"`
	SceneID   string    `json:"sceneId"`
	Index     int       `json:"index"`
	BlobKey   string    `json:"blobKey"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *SceneSkipped) EventType() string { return "SCENE_SKIPPED" }
func (e *SceneSkipped) Project() string   { return e.ProjectID }

// WorkflowFailed is the sole user-visible failure surface.
type WorkflowFailed struct {
	ProjectID string    `json:"projectId"`
	Cause     string    `json:"cause"`
	Phase     string    `json:"phase,omitempty"`
	SceneID   string    `json:"sceneId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *WorkflowFailed) EventType() string { return "WORKFLOW_FAILED" }
func (e *WorkflowFailed) Project() string   { return e.ProjectID }

// InterventionNeeded mirrors the persisted intervention request.
type InterventionNeeded struct {
	ProjectID    string        `json:"projectId"`
	Intervention *Intervention `json:"intervention"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (e *InterventionNeeded) EventType() string { return "LLM_INTERVENTION_NEEDED" }
func (e *InterventionNeeded) Project() string   { return e.ProjectID }

// InterventionResolved is emitted when an operator decision is applied.
type InterventionResolved struct {
	ProjectID string    `json:"projectId"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *InterventionResolved) EventType() string { return "INTERVENTION_RESOLVED" }
func (e *InterventionResolved) Project() string   { return e.ProjectID }

// Log carries a leveled progress line scoped to a project.
type Log struct {
	ProjectID string    `json:"projectId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Log) EventType() string { return "LOG" }
func (e *Log) Project() string   { return e.ProjectID }

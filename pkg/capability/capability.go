// Package capability defines the client interfaces for the generation and
// evaluation backends, plus concrete clients for OpenAI (text, evaluation),
// Gemini (images) and an HTTP dispatch-and-poll video backend.
//
// Clients carry no retry logic of their own; callers layer retry semantics
// on top.
package capability

import (
	"context"
)

// Asset is a single generated artifact returned by a backend.
type Asset struct {
	Bytes    []byte
	MimeType string
}

// SceneDraft is one storyboard entry as produced by the text backend.
type SceneDraft struct {
	Title       string   `json:"title"`
	Narrative   string   `json:"narrative"`
	Prompt      string   `json:"prompt"`
	DurationSec float64  `json:"durationSec,omitempty"`
	Characters  []string `json:"characters,omitempty"`
	Location    string   `json:"location,omitempty"`
}

// EntityDraft describes a character or location from the storyboard.
type EntityDraft struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Storyboard is the full storyboard document.
type Storyboard struct {
	Title      string        `json:"title"`
	Scenes     []SceneDraft  `json:"scenes"`
	Characters []EntityDraft `json:"characters"`
	Locations  []EntityDraft `json:"locations"`
}

// Issue is one itemized evaluation finding. Department drives the
// correction-prompt derivation in the quality loop.
type Issue struct {
	Department  string `json:"department"` // camera | lighting | continuity | performance | composition
	Description string `json:"description"`
}

// Evaluation is the scored rubric for one generated asset.
type Evaluation struct {
	Scores       map[string]float64 `json:"scores"` // dimension -> 0..10
	Issues       []Issue            `json:"issues"`
	OverallScore float64            `json:"overallScore"`
	Verdict      string             `json:"verdict"` // accept | regenerate
}

// Rubric dimension weights for the overall scalar.
var rubricWeights = map[string]float64{
	"narrative_fidelity":     0.25,
	"consistency":            0.25,
	"technical_quality":      0.20,
	"emotional_authenticity": 0.15,
	"continuity":             0.15,
}

// WeightedOverall recomputes the overall scalar from the dimension scores.
// Unknown dimensions are ignored; missing ones contribute nothing.
func (e *Evaluation) WeightedOverall() float64 {
	var sum, weight float64
	for dim, w := range rubricWeights {
		if score, ok := e.Scores[dim]; ok {
			sum += score * w
			weight += w
		}
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// EvalRequest describes the asset to be scored.
type EvalRequest struct {
	AssetKind   string // "frame" or "video"
	Prompt      string // the prompt the asset was generated from
	Narrative   string // scene narrative for fidelity scoring
	Continuity  string // expected continuity clauses
	Description string // caller-provided description of the asset content
}

// TextGenerator produces storyboard and prompt text.
type TextGenerator interface {
	ExpandPrompt(ctx context.Context, creativePrompt string) (string, error)
	GenerateStoryboard(ctx context.Context, expandedPrompt string) (*Storyboard, error)
	ScenesFromAudio(ctx context.Context, audioManifest string) (*Storyboard, error)
	EnrichStoryboard(ctx context.Context, sb *Storyboard, expandedPrompt string) (*Storyboard, error)
}

// ImageGenerator produces still frames and reference images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, refs [][]byte) (*Asset, error)
}

// VideoGenerator produces a clip from keyframes and reference images.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, prompt string, keyframes [][]byte, refs [][]byte) (*Asset, error)
}

// Evaluator scores a generated asset against the rubric.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest) (*Evaluation, error)
}

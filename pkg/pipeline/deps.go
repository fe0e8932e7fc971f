// Package pipeline implements the workflow state machine, the quality-gated
// generation loop, the intervention protocol and the continuity engine.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/reelforge/reelforge/pkg/capability"
	"github.com/reelforge/reelforge/pkg/config"
	"github.com/reelforge/reelforge/pkg/core"
)

// BlobStore is the content-addressed asset store consumed by the engine.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	ScanAttempts(ctx context.Context, projectID string) (map[string]int, error)
}

// CheckpointStore persists and loads project state snapshots.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, state *core.ProjectState) error
	LoadCheckpoint(ctx context.Context, projectID string) (*core.ProjectState, error)
}

// Emitter publishes pipeline events. Passed explicitly; the engine never
// routes progress through ambient global state.
type Emitter interface {
	Emit(e core.Event)
}

// Stitcher is the black-box media transform producing the final render.
type Stitcher interface {
	Stitch(ctx context.Context, clips [][]byte, audio []byte) ([]byte, error)
}

// Options carries the engine tunables.
type Options struct {
	Frame              config.QualityTuning
	Video              config.QualityTuning
	SafetyRetries      int
	IncrementalPreview bool
}

// Engine drives a project's workflow step by step, checkpointing after
// every phase.
type Engine struct {
	checkpoints CheckpointStore
	blobs       BlobStore
	text        capability.TextGenerator
	images      capability.ImageGenerator
	videos      capability.VideoGenerator
	eval        capability.Evaluator
	stitcher    Stitcher
	bus         Emitter
	opts        Options
	logger      *slog.Logger
}

// NewEngine wires an engine from its collaborators.
func NewEngine(
	checkpoints CheckpointStore,
	blobs BlobStore,
	text capability.TextGenerator,
	images capability.ImageGenerator,
	videos capability.VideoGenerator,
	eval capability.Evaluator,
	stitcher Stitcher,
	bus Emitter,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checkpoints: checkpoints,
		blobs:       blobs,
		text:        text,
		images:      images,
		videos:      videos,
		eval:        eval,
		stitcher:    stitcher,
		bus:         bus,
		opts:        opts,
		logger:      logger,
	}
}

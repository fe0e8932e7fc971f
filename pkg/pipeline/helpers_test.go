package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/blob"
	"github.com/reelforge/reelforge/pkg/capability"
	"github.com/reelforge/reelforge/pkg/config"
	"github.com/reelforge/reelforge/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// In-memory fakes
// ──────────────────────────────────────────────────────────────────────────────

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object at %s", key)
	}
	return data, nil
}

func (m *memBlobs) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memBlobs) ScanAttempts(_ context.Context, projectID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	prefix := projectID + "/"
	for key := range m.objects {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		akey, n, ok := blob.ParseAttempt(key)
		if ok && n > out[akey] {
			out[akey] = n
		}
	}
	return out, nil
}

type memCheckpoints struct {
	mu    sync.Mutex
	saves []*core.ProjectState
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, state *core.ProjectState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	clone := &core.ProjectState{}
	if err := json.Unmarshal(data, clone); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, clone)
	return nil
}

func (m *memCheckpoints) LoadCheckpoint(_ context.Context, projectID string) (*core.ProjectState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.saves) - 1; i >= 0; i-- {
		if m.saves[i].ProjectID == projectID {
			return m.saves[i], nil
		}
	}
	return nil, core.ErrNoCheckpoint
}

func (m *memCheckpoints) latest(t *testing.T) *core.ProjectState {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.saves)
	return m.saves[len(m.saves)-1]
}

type recordBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *recordBus) Emit(e core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordBus) typed(eventType string) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.Event
	for _, e := range b.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Capability stubs
// ──────────────────────────────────────────────────────────────────────────────

type stubText struct {
	expand func(prompt string) (string, error)
	board  func(prompt string) (*capability.Storyboard, error)
	audio  func(manifest string) (*capability.Storyboard, error)
	enrich func(sb *capability.Storyboard) (*capability.Storyboard, error)
}

func (s *stubText) ExpandPrompt(_ context.Context, prompt string) (string, error) {
	if s.expand != nil {
		return s.expand(prompt)
	}
	return "expanded: " + prompt, nil
}

func (s *stubText) GenerateStoryboard(_ context.Context, prompt string) (*capability.Storyboard, error) {
	if s.board != nil {
		return s.board(prompt)
	}
	return defaultStoryboard(), nil
}

func (s *stubText) ScenesFromAudio(_ context.Context, manifest string) (*capability.Storyboard, error) {
	if s.audio != nil {
		return s.audio(manifest)
	}
	return defaultStoryboard(), nil
}

func (s *stubText) EnrichStoryboard(_ context.Context, sb *capability.Storyboard, _ string) (*capability.Storyboard, error) {
	if s.enrich != nil {
		return s.enrich(sb)
	}
	return sb, nil
}

func defaultStoryboard() *capability.Storyboard {
	return &capability.Storyboard{
		Title: "Test Cut",
		Scenes: []capability.SceneDraft{
			{Title: "Opening", Narrative: "Mara walks through rain at dusk.", Prompt: "wide shot, rain", Characters: []string{"Mara"}, Location: "Alley"},
			{Title: "Closing", Narrative: "Mara smiles with hope.", Prompt: "close up", Characters: []string{"Mara"}, Location: "Alley"},
		},
		Characters: []capability.EntityDraft{{Name: "Mara", Description: "a courier"}},
		Locations:  []capability.EntityDraft{{Name: "Alley", Description: "a narrow alley"}},
	}
}

type stubImages struct {
	mu    sync.Mutex
	calls int
	gen   func(prompt string, refs [][]byte) (*capability.Asset, error)
}

func (s *stubImages) GenerateImage(_ context.Context, prompt string, refs [][]byte) (*capability.Asset, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.gen != nil {
		return s.gen(prompt, refs)
	}
	return &capability.Asset{Bytes: []byte(fmt.Sprintf("png-%d", n)), MimeType: "image/png"}, nil
}

type stubVideos struct {
	mu    sync.Mutex
	calls int
	gen   func(prompt string, keyframes, refs [][]byte) (*capability.Asset, error)
}

func (s *stubVideos) GenerateVideo(_ context.Context, prompt string, keyframes, refs [][]byte) (*capability.Asset, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.gen != nil {
		return s.gen(prompt, keyframes, refs)
	}
	return &capability.Asset{Bytes: []byte(fmt.Sprintf("mp4-%d", n)), MimeType: "video/mp4"}, nil
}

type stubEval struct {
	mu    sync.Mutex
	calls int
	eval  func(req capability.EvalRequest, call int) (*capability.Evaluation, error)
}

func (s *stubEval) Evaluate(_ context.Context, req capability.EvalRequest) (*capability.Evaluation, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.eval != nil {
		return s.eval(req, n)
	}
	return passingEval(9.0), nil
}

func passingEval(score float64) *capability.Evaluation {
	return &capability.Evaluation{OverallScore: score, Verdict: "accept"}
}

type stubStitcher struct {
	mu    sync.Mutex
	calls int
}

func (s *stubStitcher) Stitch(_ context.Context, clips [][]byte, audio []byte) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return bytes.Join(clips, []byte("|")), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine fixture
// ──────────────────────────────────────────────────────────────────────────────

type testRig struct {
	engine      *Engine
	blobs       *memBlobs
	checkpoints *memCheckpoints
	bus         *recordBus
	text        *stubText
	images      *stubImages
	videos      *stubVideos
	eval        *stubEval
	stitcher    *stubStitcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		blobs:       newMemBlobs(),
		checkpoints: &memCheckpoints{},
		bus:         &recordBus{},
		text:        &stubText{},
		images:      &stubImages{},
		videos:      &stubVideos{},
		eval:        &stubEval{},
		stitcher:    &stubStitcher{},
	}
	r.engine = NewEngine(
		r.checkpoints, r.blobs, r.text, r.images, r.videos, r.eval, r.stitcher, r.bus,
		Options{
			Frame:         config.QualityTuning{MaxAttempts: 3, AcceptThreshold: 7.0, Cooldown: time.Millisecond},
			Video:         config.QualityTuning{MaxAttempts: 2, AcceptThreshold: 6.5, Cooldown: time.Millisecond},
			SafetyRetries: 2,
		},
		slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})),
	)
	return r
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reelforge/reelforge/pkg/blob"
	"github.com/reelforge/reelforge/pkg/capability"
	"github.com/reelforge/reelforge/pkg/core"
)

// nodeFunc performs one phase's work against the given state.
type nodeFunc func(ctx context.Context, st *core.ProjectState) error

func (e *Engine) node(phase string) (nodeFunc, bool) {
	switch phase {
	case PhaseSyncState:
		return e.syncState, true
	case PhaseExpandPrompt:
		return e.expandCreativePrompt, true
	case PhaseScenesFromAudio:
		return e.createScenesFromAudio, true
	case PhaseEnrichBoard:
		return e.enrichStoryboard, true
	case PhaseStoryboard:
		return e.generateStoryboard, true
	case PhaseCharacterAssets:
		return e.generateCharacterAssets, true
	case PhaseLocationAssets:
		return e.generateLocationAssets, true
	case PhaseSceneKeyframes:
		return e.generateSceneKeyframes, true
	case PhaseProcessScene:
		return e.processScene, true
	case PhaseRender:
		return e.renderVideo, true
	case PhaseFinalize:
		return e.finalize, true
	default:
		return nil, false
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// sync_state
// ──────────────────────────────────────────────────────────────────────────────

// syncState reconciles the in-memory attempts map against blob-store
// reality. The write-then-checkpoint ordering is best-effort across two
// stores, so this reconciliation is mandatory on every resume, not optional
// hardening.
func (e *Engine) syncState(ctx context.Context, st *core.ProjectState) error {
	observed, err := e.blobs.ScanAttempts(ctx, st.ProjectID)
	if err != nil {
		return fmt.Errorf("scan blob store: %w", err)
	}
	st.MergeAttempts(observed)

	// Adopt an orphaned storyboard from a previous incomplete run: blob-store
	// truth merged with absent DB state.
	if len(st.Scenes) == 0 {
		key := blob.StoryboardKey(st.ProjectID)
		exists, err := e.blobs.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check orphan storyboard: %w", err)
		}
		if exists {
			data, err := e.blobs.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("read orphan storyboard: %w", err)
			}
			var sb capability.Storyboard
			if err := json.Unmarshal(data, &sb); err != nil {
				e.emitLog(st, "warn", "orphan storyboard unreadable, ignoring: "+err.Error())
			} else {
				e.populateFromStoryboard(st, &sb)
				e.emitLog(st, "info", fmt.Sprintf("adopted orphaned storyboard with %d scenes", len(sb.Scenes)))
			}
		}
	}

	e.emitLog(st, "info", fmt.Sprintf("state synced: %d attempt slots reconciled", len(observed)))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// storyboard phases
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) expandCreativePrompt(ctx context.Context, st *core.ProjectState) error {
	if st.ExpandedPrompt != "" {
		return nil // already done on a previous run
	}

	expanded, err := callWithIntervention(st, "expand_creative_prompt",
		map[string]string{"prompt": st.CreativePrompt},
		func(params map[string]string) (string, error) {
			return e.text.ExpandPrompt(ctx, params["prompt"])
		})
	if errors.Is(err, errSkipped) {
		st.ExpandedPrompt = st.CreativePrompt
		return nil
	}
	if err != nil {
		return err
	}
	st.ExpandedPrompt = expanded
	return nil
}

func (e *Engine) generateStoryboard(ctx context.Context, st *core.ProjectState) error {
	if len(st.Scenes) > 0 {
		return nil
	}

	sb, err := callWithIntervention(st, "generate_storyboard",
		map[string]string{"prompt": st.ExpandedPrompt},
		func(params map[string]string) (*capability.Storyboard, error) {
			return e.text.GenerateStoryboard(ctx, params["prompt"])
		})
	if errors.Is(err, errSkipped) {
		return errors.New("storyboard generation cannot be skipped")
	}
	if err != nil {
		return err
	}

	e.populateFromStoryboard(st, sb)
	return e.persistStoryboard(ctx, st, sb)
}

func (e *Engine) createScenesFromAudio(ctx context.Context, st *core.ProjectState) error {
	if len(st.Scenes) > 0 {
		return nil
	}

	manifest, err := e.blobs.Get(ctx, st.AudioTrack)
	if err != nil {
		return fmt.Errorf("read audio manifest: %w", err)
	}

	sb, err := callWithIntervention(st, "create_scenes_from_audio",
		map[string]string{"manifest": string(manifest)},
		func(params map[string]string) (*capability.Storyboard, error) {
			return e.text.ScenesFromAudio(ctx, params["manifest"])
		})
	if errors.Is(err, errSkipped) {
		return errors.New("audio scene derivation cannot be skipped")
	}
	if err != nil {
		return err
	}

	e.populateFromStoryboard(st, sb)
	return e.persistStoryboard(ctx, st, sb)
}

func (e *Engine) enrichStoryboard(ctx context.Context, st *core.ProjectState) error {
	sb := storyboardFromState(st)

	enriched, err := callWithIntervention(st, "enrich_storyboard",
		map[string]string{"prompt": st.ExpandedPrompt},
		func(params map[string]string) (*capability.Storyboard, error) {
			return e.text.EnrichStoryboard(ctx, sb, params["prompt"])
		})
	if errors.Is(err, errSkipped) {
		return nil // sparse storyboard is usable, just weaker
	}
	if err != nil {
		return err
	}
	if len(enriched.Scenes) != len(st.Scenes) {
		return fmt.Errorf("enrichment changed scene count: %d -> %d", len(st.Scenes), len(enriched.Scenes))
	}

	for i, draft := range enriched.Scenes {
		st.Scenes[i].Narrative = draft.Narrative
		st.Scenes[i].Prompt = draft.Prompt
		st.Scenes[i].Characters = draft.Characters
		st.Scenes[i].Location = draft.Location
	}
	return e.persistStoryboard(ctx, st, enriched)
}

// ──────────────────────────────────────────────────────────────────────────────
// entity reference assets
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) generateCharacterAssets(ctx context.Context, st *core.ProjectState) error {
	return e.generateEntityAssets(ctx, st, st.Characters, blob.CatCharacters, "generate_character_assets")
}

func (e *Engine) generateLocationAssets(ctx context.Context, st *core.ProjectState) error {
	return e.generateEntityAssets(ctx, st, st.Locations, blob.CatLocations, "generate_location_assets")
}

// generateEntityAssets produces reference images for every entity that does
// not have one yet. Entities within a batch generate concurrently; the batch
// as a whole is guarded by the intervention protocol.
func (e *Engine) generateEntityAssets(ctx context.Context, st *core.ProjectState, entities []*core.Entity, cat blob.Category, operation string) error {
	pending := make([]*core.Entity, 0, len(entities))
	for _, ent := range entities {
		if ent.Reference != "" {
			continue
		}
		// The checkpoint can lag a crash mid-phase; sync_state reconciled the
		// attempt map, so adopt a reference the blob store already holds.
		if n := st.Attempts[core.AttemptKey(core.AssetReference, ent.ID)]; n > 0 {
			if key, ok := e.existingAsset(ctx, st, []string{blob.ReferenceKey(st.ProjectID, cat, ent.ID, n)}); ok {
				ent.Reference = key
				continue
			}
		}
		pending = append(pending, ent)
	}
	if len(pending) == 0 {
		return nil
	}

	// Attempt numbers come from the shared map; allocate before the
	// goroutines fan out.
	attempts := make(map[string]int, len(pending))
	for _, ent := range pending {
		attempts[ent.ID] = st.NextAttempt(core.AssetReference, ent.ID)
	}

	_, err := callWithIntervention(st, operation, nil,
		func(map[string]string) (struct{}, error) {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(2) // image backend is rate-limited

			for _, ent := range pending {
				g.Go(func() error {
					prompt := fmt.Sprintf("Reference image, neutral pose, full detail. %s: %s", ent.Name, ent.Description)
					asset, _, err := e.generateWithSafetyRetry(gctx, prompt, func(ctx context.Context, p string) (*capability.Asset, error) {
						return e.images.GenerateImage(ctx, p, nil)
					})
					if err != nil {
						return fmt.Errorf("%s: %w", ent.Name, err)
					}
					key, err := e.putAsset(gctx, blob.ReferenceKey(st.ProjectID, cat, ent.ID, attempts[ent.ID]), asset)
					if err != nil {
						return fmt.Errorf("%s: %w", ent.Name, err)
					}
					ent.Reference = key
					return nil
				})
			}
			return struct{}{}, g.Wait()
		})
	if errors.Is(err, errSkipped) {
		e.emitLog(st, "warn", operation+" skipped by operator; prompts will lack references")
		return nil
	}
	return err
}

// ──────────────────────────────────────────────────────────────────────────────
// keyframes
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) generateSceneKeyframes(ctx context.Context, st *core.ProjectState) error {
	for _, scene := range st.Scenes {
		refs, err := e.referenceImages(ctx, st, scene)
		if err != nil {
			return err
		}
		if err := e.ensureFrame(ctx, st, scene, "start", refs); err != nil {
			return err
		}
		if err := e.ensureFrame(ctx, st, scene, "end", refs); err != nil {
			return err
		}
	}
	return nil
}

// ensureFrame generates one keyframe through the quality loop, unless a
// usable frame already exists for the scene slot. Orphaned frames whose
// attempt numbers sync_state reconciled into the map are adopted the same
// way clips are.
func (e *Engine) ensureFrame(ctx context.Context, st *core.ProjectState, scene *core.Scene, slot string, refs [][]byte) error {
	assetType := core.AssetStartFrame
	if slot == "end" {
		assetType = core.AssetEndFrame
	}
	current := scene.StartFrame
	if slot == "end" {
		current = scene.EndFrame
	}

	if !st.ForceRegenerate[scene.ID+"/"+slot] {
		candidates := []string{}
		if current != "" {
			candidates = append(candidates, current)
		}
		if n := st.Attempts[core.AttemptKey(assetType, scene.ID)]; n > 0 {
			candidates = append(candidates, blob.FrameKey(st.ProjectID, scene.ID, slot, n))
		}
		if key, ok := e.existingAsset(ctx, st, candidates); ok {
			if slot == "start" {
				scene.StartFrame = key
			} else {
				scene.EndFrame = key
			}
			return nil
		}
	}

	prompt := e.framePrompt(st, scene, slot)
	result, err := e.generateWithQuality(ctx, st, e.opts.Frame,
		capability.EvalRequest{
			AssetKind:  "frame",
			Prompt:     prompt,
			Narrative:  scene.Narrative,
			Continuity: ContinuityClauses(st, scene),
		},
		func(ctx context.Context, p string) (*capability.Asset, error) {
			return e.images.GenerateImage(ctx, p, refs)
		},
		func(ctx context.Context, asset *capability.Asset) (string, int, error) {
			n := st.NextAttempt(assetType, scene.ID)
			key, err := e.putAsset(ctx, blob.FrameKey(st.ProjectID, scene.ID, slot, n), asset)
			return key, n, err
		},
	)
	if err != nil {
		return fmt.Errorf("scene %s %s frame: %w", scene.ID, slot, err)
	}

	if slot == "start" {
		scene.StartFrame = result.BlobKey
	} else {
		scene.EndFrame = result.BlobKey
	}
	delete(st.ForceRegenerate, scene.ID+"/"+slot)
	if result.Warning != "" {
		e.emitLog(st, "warn", fmt.Sprintf("scene %s %s frame: %s", scene.ID, slot, result.Warning))
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// process_scene
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) processScene(ctx context.Context, st *core.ProjectState) error {
	if st.SceneIndex >= len(st.Scenes) {
		return nil // all scenes done; transition function moves on
	}
	scene := st.Scenes[st.SceneIndex]
	started := time.Now()

	// Skip path: the deterministic key for the highest known attempt already
	// holds a clip and regeneration was not forced.
	force := st.ForceRegenerate[scene.ID]
	if !force {
		if key, ok := e.existingClip(ctx, st, scene); ok {
			scene.Video = key
			if scene.Status == core.ScenePending {
				scene.Status = core.SceneStatusSkipped
			}
			st.SceneIndex++
			e.bus.Emit(&core.SceneSkipped{
				ProjectID: st.ProjectID, SceneID: scene.ID, Index: scene.Index,
				BlobKey: key, Timestamp: time.Now().UTC(),
			})
			e.maybeStitchPreview(ctx, st)
			return nil
		}
	}

	e.bus.Emit(&core.SceneStarted{
		ProjectID: st.ProjectID, SceneID: scene.ID, Index: scene.Index,
		Timestamp: time.Now().UTC(),
	})

	keyframes, err := e.sceneKeyframes(ctx, scene)
	if err != nil {
		return fmt.Errorf("scene %s keyframes: %w", scene.ID, err)
	}
	refs, err := e.referenceImages(ctx, st, scene)
	if err != nil {
		return fmt.Errorf("scene %s references: %w", scene.ID, err)
	}

	prompt := e.scenePrompt(st, scene)
	result, err := e.generateWithQuality(ctx, st, e.opts.Video,
		capability.EvalRequest{
			AssetKind:  "video",
			Prompt:     prompt,
			Narrative:  scene.Narrative,
			Continuity: ContinuityClauses(st, scene),
		},
		func(ctx context.Context, p string) (*capability.Asset, error) {
			return e.videos.GenerateVideo(ctx, p, keyframes, refs)
		},
		func(ctx context.Context, asset *capability.Asset) (string, int, error) {
			n := st.NextAttempt(core.AssetVideo, scene.ID)
			key, err := e.putAsset(ctx, blob.SceneClipKey(st.ProjectID, scene.ID, n), asset)
			return key, n, err
		},
	)
	if err != nil {
		return fmt.Errorf("scene %s: %w", scene.ID, err)
	}

	scene.Video = result.BlobKey
	scene.Score = result.FinalScore
	scene.Warning = result.Warning
	scene.Status = core.SceneGenerated

	ApplyScene(st, scene)
	delete(st.ForceRegenerate, scene.ID)
	delete(st.PromptOverrides, scene.ID)
	st.SceneIndex++

	e.bus.Emit(&core.SceneCompleted{
		ProjectID: st.ProjectID, SceneID: scene.ID, Index: scene.Index,
		Score: result.FinalScore, Attempts: result.Calls,
		Duration: time.Since(started), Timestamp: time.Now().UTC(),
	})
	e.maybeStitchPreview(ctx, st)
	return nil
}

// existingClip checks the blob store for a usable clip at the scene's
// deterministic keys, preferring the recorded one.
func (e *Engine) existingClip(ctx context.Context, st *core.ProjectState, scene *core.Scene) (string, bool) {
	candidates := []string{}
	if scene.Video != "" {
		candidates = append(candidates, scene.Video)
	}
	if n := st.Attempts[core.AttemptKey(core.AssetVideo, scene.ID)]; n > 0 {
		candidates = append(candidates, blob.SceneClipKey(st.ProjectID, scene.ID, n))
	}
	return e.existingAsset(ctx, st, candidates)
}

// existingAsset returns the first candidate key present in the blob store.
func (e *Engine) existingAsset(ctx context.Context, st *core.ProjectState, candidates []string) (string, bool) {
	for _, key := range candidates {
		exists, err := e.blobs.Exists(ctx, key)
		if err != nil {
			e.emitLog(st, "warn", "asset existence check failed: "+err.Error())
			return "", false
		}
		if exists {
			return key, true
		}
	}
	return "", false
}

// ──────────────────────────────────────────────────────────────────────────────
// render / finalize
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) renderVideo(ctx context.Context, st *core.ProjectState) error {
	clips := make([][]byte, 0, len(st.Scenes))
	for _, scene := range st.Scenes {
		if scene.Video == "" {
			return fmt.Errorf("scene %d has no clip; cannot render", scene.Index)
		}
		data, err := e.blobs.Get(ctx, scene.Video)
		if err != nil {
			return fmt.Errorf("fetch clip for scene %d: %w", scene.Index, err)
		}
		clips = append(clips, data)
	}

	var audio []byte
	if st.AudioTrack != "" {
		// The manifest references the mixed track under the same key with a
		// media extension; absence just means a silent render.
		if data, err := e.blobs.Get(ctx, strings.TrimSuffix(st.AudioTrack, ".json")+".mp3"); err == nil {
			audio = data
		}
	}

	out, err := e.stitcher.Stitch(ctx, clips, audio)
	if err != nil {
		return fmt.Errorf("stitch: %w", err)
	}

	n := st.NextAttempt(core.AssetVideo, "final")
	key, err := e.blobs.Put(ctx, blob.FinalRenderKey(st.ProjectID, n), out)
	if err != nil {
		return fmt.Errorf("persist render: %w", err)
	}
	st.FinalVideo = key
	return nil
}

func (e *Engine) finalize(ctx context.Context, st *core.ProjectState) error {
	manifest, err := json.MarshalIndent(map[string]any{
		"projectId":   st.ProjectID,
		"title":       st.Title,
		"finalVideo":  st.FinalVideo,
		"sceneCount":  len(st.Scenes),
		"scenes":      st.Scenes,
		"completedAt": time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := e.blobs.Put(ctx, blob.ManifestKey(st.ProjectID), manifest); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	st.Status = core.ProjectComplete
	return nil
}

// maybeStitchPreview re-stitches the clips completed so far. Best effort:
// a preview failure never fails the scene.
func (e *Engine) maybeStitchPreview(ctx context.Context, st *core.ProjectState) {
	if !e.opts.IncrementalPreview || st.SceneIndex < 2 {
		return
	}
	clips := make([][]byte, 0, st.SceneIndex)
	for _, scene := range st.Scenes[:st.SceneIndex] {
		if scene.Video == "" {
			return
		}
		data, err := e.blobs.Get(ctx, scene.Video)
		if err != nil {
			return
		}
		clips = append(clips, data)
	}
	out, err := e.stitcher.Stitch(ctx, clips, nil)
	if err != nil {
		e.emitLog(st, "warn", "preview stitch failed: "+err.Error())
		return
	}
	if _, err := e.blobs.Put(ctx, blob.PreviewKey(st.ProjectID, st.SceneIndex), out); err != nil {
		e.emitLog(st, "warn", "preview upload failed: "+err.Error())
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// helpers
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) putAsset(ctx context.Context, key string, asset *capability.Asset) (string, error) {
	return e.blobs.Put(ctx, key, asset.Bytes)
}

func (e *Engine) sceneKeyframes(ctx context.Context, scene *core.Scene) ([][]byte, error) {
	var frames [][]byte
	for _, key := range []string{scene.StartFrame, scene.EndFrame} {
		if key == "" {
			continue
		}
		data, err := e.blobs.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// referenceImages fetches the reference images for entities appearing in
// the scene.
func (e *Engine) referenceImages(ctx context.Context, st *core.ProjectState, scene *core.Scene) ([][]byte, error) {
	var refs [][]byte
	appear := func(ent *core.Entity) bool {
		if strings.EqualFold(ent.Name, scene.Location) {
			return true
		}
		for _, name := range scene.Characters {
			if strings.EqualFold(ent.Name, name) {
				return true
			}
		}
		return false
	}
	for _, ent := range append(append([]*core.Entity{}, st.Characters...), st.Locations...) {
		if ent.Reference == "" || !appear(ent) {
			continue
		}
		data, err := e.blobs.Get(ctx, ent.Reference)
		if err != nil {
			return nil, err
		}
		refs = append(refs, data)
	}
	return refs, nil
}

func (e *Engine) scenePrompt(st *core.ProjectState, scene *core.Scene) string {
	prompt := scene.Prompt
	if override := st.PromptOverrides[scene.ID]; override != "" {
		prompt = override
	}
	var b strings.Builder
	b.WriteString(prompt)
	if c := ContinuityClauses(st, scene); c != "" {
		b.WriteString("\n")
		b.WriteString(c)
	}
	for _, rule := range st.GenerationRules {
		b.WriteString("\n")
		b.WriteString(rule)
	}
	return b.String()
}

func (e *Engine) framePrompt(st *core.ProjectState, scene *core.Scene, slot string) string {
	moment := "opening moment"
	if slot == "end" {
		moment = "closing moment"
	}
	return fmt.Sprintf("%s\nStill keyframe, %s of the scene.", e.scenePrompt(st, scene), moment)
}

// populateFromStoryboard materializes scenes and entities from a storyboard
// document. No-op fields already present are preserved.
func (e *Engine) populateFromStoryboard(st *core.ProjectState, sb *capability.Storyboard) {
	if st.Title == "" {
		st.Title = sb.Title
	}
	for i, draft := range sb.Scenes {
		st.Scenes = append(st.Scenes, &core.Scene{
			ID:          uuid.New().String(),
			Index:       i,
			Title:       draft.Title,
			Narrative:   draft.Narrative,
			Prompt:      draft.Prompt,
			DurationSec: draft.DurationSec,
			Characters:  draft.Characters,
			Location:    draft.Location,
			Status:      core.ScenePending,
		})
	}
	for _, c := range sb.Characters {
		st.Characters = append(st.Characters, &core.Entity{
			ID: slug(c.Name), Name: c.Name, Description: c.Description,
		})
	}
	for _, l := range sb.Locations {
		st.Locations = append(st.Locations, &core.Entity{
			ID: slug(l.Name), Name: l.Name, Description: l.Description,
		})
	}
}

func (e *Engine) persistStoryboard(ctx context.Context, st *core.ProjectState, sb *capability.Storyboard) error {
	data, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("marshal storyboard: %w", err)
	}
	if _, err := e.blobs.Put(ctx, blob.StoryboardKey(st.ProjectID), data); err != nil {
		return fmt.Errorf("persist storyboard: %w", err)
	}
	return nil
}

func storyboardFromState(st *core.ProjectState) *capability.Storyboard {
	sb := &capability.Storyboard{Title: st.Title}
	for _, s := range st.Scenes {
		sb.Scenes = append(sb.Scenes, capability.SceneDraft{
			Title: s.Title, Narrative: s.Narrative, Prompt: s.Prompt,
			DurationSec: s.DurationSec, Characters: s.Characters, Location: s.Location,
		})
	}
	for _, c := range st.Characters {
		sb.Characters = append(sb.Characters, capability.EntityDraft{Name: c.Name, Description: c.Description})
	}
	for _, l := range st.Locations {
		sb.Locations = append(sb.Locations, capability.EntityDraft{Name: l.Name, Description: l.Description})
	}
	return sb
}

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '-'
		default:
			return -1
		}
	}, s)
	if s == "" {
		s = uuid.New().String()
	}
	return s
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (e *Engine) emitLog(st *core.ProjectState, level, msg string) {
	e.logger.Log(context.Background(), slogLevel(level), msg, "project_id", st.ProjectID, "phase", st.Phase)
	e.bus.Emit(&core.Log{
		ProjectID: st.ProjectID, Level: level, Message: msg,
		Timestamp: time.Now().UTC(),
	})
}

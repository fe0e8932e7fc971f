package blob_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/blob"
	"github.com/reelforge/reelforge/pkg/core"
)

func TestKey_Layout(t *testing.T) {
	assert.Equal(t, "p1/clips/scene-1_02.mp4", blob.SceneClipKey("p1", "scene-1", 2))
	assert.Equal(t, "p1/frames/scene-1_start_01.png", blob.FrameKey("p1", "scene-1", "start", 1))
	assert.Equal(t, "p1/frames/scene-1_end_11.png", blob.FrameKey("p1", "scene-1", "end", 11))
	assert.Equal(t, "p1/characters/mara_01.png", blob.ReferenceKey("p1", blob.CatCharacters, "mara", 1))
	assert.Equal(t, "p1/storyboard/storyboard_01.json", blob.StoryboardKey("p1"))
	assert.Equal(t, "p1/render/final_01.mp4", blob.FinalRenderKey("p1", 1))
}

func TestParseAttempt_RoundTrip(t *testing.T) {
	cases := []struct {
		key     string
		wantKey string
		wantN   int
	}{
		{blob.SceneClipKey("p1", "scene-1", 3), core.AttemptKey(core.AssetVideo, "scene-1"), 3},
		{blob.FrameKey("p1", "scene-1", "start", 2), core.AttemptKey(core.AssetStartFrame, "scene-1"), 2},
		{blob.FrameKey("p1", "scene-1", "end", 7), core.AttemptKey(core.AssetEndFrame, "scene-1"), 7},
		{blob.ReferenceKey("p1", blob.CatCharacters, "mara", 1), core.AttemptKey(core.AssetReference, "mara"), 1},
		{blob.ReferenceKey("p1", blob.CatLocations, "rooftop", 4), core.AttemptKey(core.AssetReference, "rooftop"), 4},
	}
	for _, tc := range cases {
		gotKey, gotN, ok := blob.ParseAttempt(tc.key)
		require.True(t, ok, tc.key)
		assert.Equal(t, tc.wantKey, gotKey, tc.key)
		assert.Equal(t, tc.wantN, gotN, tc.key)
	}
}

func TestParseAttempt_RejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"p1/render/final_01.mp4",        // render output is not an attempt slot
		"p1/storyboard/storyboard_01.json",
		"p1/clips/noversion.mp4",
		"flat-key.png",
		"p1/clips/scene-1_00.mp4", // attempt numbers start at 1
	} {
		_, _, ok := blob.ParseAttempt(key)
		assert.False(t, ok, key)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", blob.ContentType("p1/clips/s_01.mp4"))
	assert.Equal(t, "image/png", blob.ContentType("p1/frames/s_start_01.png"))
	assert.Equal(t, "application/json", blob.ContentType("p1/render/manifest_01.json"))
	assert.Equal(t, "application/octet-stream", blob.ContentType("p1/misc/blob.bin"))
}

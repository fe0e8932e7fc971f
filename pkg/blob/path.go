package blob

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/reelforge/reelforge/pkg/core"
)

// Category is the second segment of every object key.
type Category string

const (
	CatCharacters Category = "characters"
	CatLocations  Category = "locations"
	CatFrames     Category = "frames"
	CatClips      Category = "clips"
	CatStoryboard Category = "storyboard"
	CatRender     Category = "render"
)

// Key derives the canonical object key for a versioned asset. Every caller
// goes through this function; keys are never assembled ad hoc.
//
// Layout: {projectID}/{category}/{entityID}_{attempt:02d}.{ext}
func Key(projectID string, cat Category, entityID string, attempt int, ext string) string {
	return fmt.Sprintf("%s/%s/%s_%02d.%s", projectID, cat, entityID, attempt, ext)
}

// SceneClipKey is the key for a scene's generated video clip.
func SceneClipKey(projectID, sceneID string, attempt int) string {
	return Key(projectID, CatClips, sceneID, attempt, "mp4")
}

// FrameKey is the key for a scene keyframe. Slot is "start" or "end".
func FrameKey(projectID, sceneID, slot string, attempt int) string {
	return Key(projectID, CatFrames, sceneID+"_"+slot, attempt, "png")
}

// ReferenceKey is the key for a character or location reference image.
func ReferenceKey(projectID string, cat Category, entityID string, attempt int) string {
	return Key(projectID, cat, entityID, attempt, "png")
}

// StoryboardKey is the key for the persisted storyboard document.
func StoryboardKey(projectID string) string {
	return Key(projectID, CatStoryboard, "storyboard", 1, "json")
}

// FinalRenderKey is the key for the stitched output.
func FinalRenderKey(projectID string, attempt int) string {
	return Key(projectID, CatRender, "final", attempt, "mp4")
}

// PreviewKey is the key for an incremental preview stitch.
func PreviewKey(projectID string, upToScene int) string {
	return Key(projectID, CatRender, fmt.Sprintf("preview_%03d", upToScene), 1, "mp4")
}

// ManifestKey is the key for the finalize-phase project manifest.
func ManifestKey(projectID string) string {
	return Key(projectID, CatRender, "manifest", 1, "json")
}

// ParseAttempt extracts the attempts-map entry encoded in an object key.
// Returns ok=false for keys outside the versioned layout.
func ParseAttempt(key string) (attemptKey string, attempt int, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	cat := Category(parts[1])
	base := strings.TrimSuffix(path.Base(parts[2]), path.Ext(parts[2]))

	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return "", 0, false
	}
	entity, suffix := base[:idx], base[idx+1:]
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return "", 0, false
	}

	switch cat {
	case CatClips:
		return core.AttemptKey(core.AssetVideo, entity), n, true
	case CatFrames:
		if strings.HasSuffix(entity, "_start") {
			return core.AttemptKey(core.AssetStartFrame, strings.TrimSuffix(entity, "_start")), n, true
		}
		if strings.HasSuffix(entity, "_end") {
			return core.AttemptKey(core.AssetEndFrame, strings.TrimSuffix(entity, "_end")), n, true
		}
		return "", 0, false
	case CatCharacters, CatLocations:
		return core.AttemptKey(core.AssetReference, entity), n, true
	default:
		return "", 0, false
	}
}

// ContentType maps a key's extension to its MIME type.
func ContentType(key string) string {
	switch path.Ext(key) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FFmpegStitcher concatenates scene clips with the ffmpeg concat demuxer,
// optionally muxing an audio track over the result. Clips are written to a
// scratch directory per invocation and removed afterwards.
type FFmpegStitcher struct {
	FFmpegPath string
	WorkDir    string
}

// NewFFmpegStitcher builds a stitcher with sensible defaults.
func NewFFmpegStitcher(ffmpegPath, workDir string) *FFmpegStitcher {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &FFmpegStitcher{FFmpegPath: ffmpegPath, WorkDir: workDir}
}

// Stitch implements Stitcher.
func (s *FFmpegStitcher) Stitch(ctx context.Context, clips [][]byte, audio []byte) ([]byte, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("stitch: no clips")
	}

	dir, err := os.MkdirTemp(s.WorkDir, "stitch-*")
	if err != nil {
		return nil, fmt.Errorf("stitch scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, clip := range clips {
		name := fmt.Sprintf("clip_%03d.mp4", i)
		if err := os.WriteFile(filepath.Join(dir, name), clip, 0o644); err != nil {
			return nil, fmt.Errorf("write clip %d: %w", i, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", name)
	}
	listPath := filepath.Join(dir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write concat list: %w", err)
	}

	outPath := filepath.Join(dir, "out.mp4")
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath}
	if len(audio) > 0 {
		audioPath := filepath.Join(dir, "audio.mp3")
		if err := os.WriteFile(audioPath, audio, 0o644); err != nil {
			return nil, fmt.Errorf("write audio track: %w", err)
		}
		// -shortest so a long track never pads the cut with black.
		args = append(args, "-i", audioPath,
			"-map", "0:v", "-map", "1:a", "-c:v", "copy", "-c:a", "aac", "-shortest")
	} else {
		args = append(args, "-c", "copy")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(string(out), 800))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read stitched output: %w", err)
	}
	return data, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}

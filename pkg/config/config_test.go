package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_FillsEveryKnob(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 30*time.Second, cfg.Lock.Heartbeat)
	assert.Equal(t, 3, cfg.Quality.Frame.MaxAttempts)
	assert.Equal(t, 7.0, cfg.Quality.Frame.AcceptThreshold)
	assert.Equal(t, 2, cfg.Quality.Video.MaxAttempts)
	assert.Equal(t, 2, cfg.Quality.SafetyRetries)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Hour, cfg.Worker.TaskTimeout)
	assert.Equal(t, "ffmpeg", cfg.Render.FFmpegPath)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
lock:
  ttl: 2m
  heartbeat: 10s
quality:
  frame:
    max_attempts: 5
    accept_threshold: 8.5
    cooldown: 4s
worker:
  task_timeout: 6h
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 10*time.Second, cfg.Lock.Heartbeat)
	assert.Equal(t, 5, cfg.Quality.Frame.MaxAttempts)
	assert.Equal(t, 8.5, cfg.Quality.Frame.AcceptThreshold)
	assert.Equal(t, 4*time.Second, cfg.Quality.Frame.Cooldown)
	assert.Equal(t, 6*time.Hour, cfg.Worker.TaskTimeout)

	// Untouched sections still get defaults.
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 2, cfg.Quality.Video.MaxAttempts)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("REDIS_ADDR", "redis:6379")

	path := writeConfig(t, `
openai:
  api_key: sk-file
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// Package config loads the service configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// QualityTuning controls the quality-gated generation loop for one asset type.
type QualityTuning struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	AcceptThreshold float64       `yaml:"accept_threshold"`
	Cooldown        time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("8s").
func (q *QualityTuning) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		MaxAttempts     int     `yaml:"max_attempts"`
		AcceptThreshold float64 `yaml:"accept_threshold"`
		Cooldown        string  `yaml:"cooldown"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	q.MaxAttempts = raw.MaxAttempts
	q.AcceptThreshold = raw.AcceptThreshold
	return parseDuration(&q.Cooldown, raw.Cooldown, "cooldown")
}

// LockConfig tunes the distributed per-project lock.
type LockConfig struct {
	TTL       time.Duration `yaml:"-"`
	Heartbeat time.Duration `yaml:"-"`
}

func (l *LockConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		TTL       string `yaml:"ttl"`
		Heartbeat string `yaml:"heartbeat"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if err := parseDuration(&l.TTL, raw.TTL, "ttl"); err != nil {
		return err
	}
	return parseDuration(&l.Heartbeat, raw.Heartbeat, "heartbeat")
}

// VideoBackendConfig points at the asynchronous clip-generation service.
type VideoBackendConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	PollEvery   time.Duration `yaml:"-"`
	PollTimeout time.Duration `yaml:"-"`
}

func (v *VideoBackendConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Endpoint    string `yaml:"endpoint"`
		PollEvery   string `yaml:"poll_every"`
		PollTimeout string `yaml:"poll_timeout"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v.Endpoint = raw.Endpoint
	if err := parseDuration(&v.PollEvery, raw.PollEvery, "poll_every"); err != nil {
		return err
	}
	return parseDuration(&v.PollTimeout, raw.PollTimeout, "poll_timeout")
}

// WorkerConfig sizes the queue consumer. TaskTimeout bounds one command's
// processing from dequeue to completion; the queue cancels the handler
// context and redelivers the task past it, so it must exceed the longest
// expected pipeline run.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"-"`
}

func (w *WorkerConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Concurrency int    `yaml:"concurrency"`
		TaskTimeout string `yaml:"task_timeout"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	w.Concurrency = raw.Concurrency
	return parseDuration(&w.TaskTimeout, raw.TaskTimeout, "task_timeout")
}

func parseDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"openai"`

	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`

	VideoBackend VideoBackendConfig `yaml:"video_backend"`

	Lock LockConfig `yaml:"lock"`

	Quality struct {
		Frame         QualityTuning `yaml:"frame"`
		Video         QualityTuning `yaml:"video"`
		SafetyRetries int           `yaml:"safety_retries"`
	} `yaml:"quality"`

	Render struct {
		FFmpegPath         string `yaml:"ffmpeg_path"`
		WorkDir            string `yaml:"work_dir"`
		IncrementalPreview bool   `yaml:"incremental_preview"`
	} `yaml:"render"`

	Worker WorkerConfig `yaml:"worker"`
}

// Load reads the config file, applies defaults and env overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with every default applied, for tests and
// local runs without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "reelforge.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "reelforge"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o"
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.0-flash-exp"
	}
	if c.VideoBackend.PollEvery == 0 {
		c.VideoBackend.PollEvery = 3 * time.Second
	}
	if c.VideoBackend.PollTimeout == 0 {
		c.VideoBackend.PollTimeout = 30 * time.Minute
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 5 * time.Minute
	}
	if c.Lock.Heartbeat == 0 {
		c.Lock.Heartbeat = 30 * time.Second
	}
	if c.Quality.Frame.MaxAttempts == 0 {
		c.Quality.Frame = QualityTuning{MaxAttempts: 3, AcceptThreshold: 7.0, Cooldown: 8 * time.Second}
	}
	if c.Quality.Video.MaxAttempts == 0 {
		c.Quality.Video = QualityTuning{MaxAttempts: 2, AcceptThreshold: 6.5, Cooldown: 15 * time.Second}
	}
	if c.Quality.SafetyRetries == 0 {
		c.Quality.SafetyRetries = 2
	}
	if c.Render.FFmpegPath == "" {
		c.Render.FFmpegPath = "ffmpeg"
	}
	if c.Render.WorkDir == "" {
		c.Render.WorkDir = os.TempDir()
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.TaskTimeout == 0 {
		c.Worker.TaskTimeout = 2 * time.Hour
	}
}

// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from the environment with typed
// parse helpers and fail-fast validation. Precedence is ENV > defaults; the
// model seed file (CLIPLINE_MODELS_FILE) is data owned by the model registry,
// not configuration.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	// Logging
	LogLevel string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Stream worker
	Workers      int
	ClaimMinIdle time.Duration
	ReadBlock    time.Duration
	ErrorBackoff time.Duration

	// Leases and flags
	LockTTL   time.Duration
	CancelTTL time.Duration

	// History
	HistoryTTL     time.Duration
	HistoryMaxRuns int

	// Job tracker
	JobLockTTL   time.Duration
	JobResultTTL time.Duration

	// Per-call and per-stage timeouts
	TranscriptionTimeout    time.Duration
	InferenceTimeout        time.Duration
	GenerationStageTimeout  time.Duration
	RefinementMomentTimeout time.Duration
	ClipTimeout             time.Duration

	// Global concurrency bounds per stage class
	AudioMaxConcurrent      int
	TranscribeMaxConcurrent int
	GenerateMaxConcurrent   int
	ClipMaxConcurrent       int
	RefineMaxConcurrent     int

	// Clip extraction
	ClipPadding         float64
	ClipMargin          float64
	ClipParallelWorkers int

	// Media tools
	FFmpegPath    string
	FFprobePath   string
	VideoEncoder  string // empty = platform default
	EncoderPreset string

	// Inference defaults
	MaxTokens          int
	DefaultTemperature float64

	// Paths
	DataDir   string
	DBBackend string

	// Object store
	ObjectStoreDir string
	PublicBaseURL  string
	SigningSecret  string
	SignedURLTTL   time.Duration

	// Downloads
	MaxDownloadBytes int64
	AllowPrivateURLs bool
	AllowedHosts     []string

	// Model registry seeds
	ModelsFile    string
	SSHHost       string
	SSHRemoteHost string

	// HTTP façade
	ListenAddr      string
	SubmitRateLimit int // requests per minute per IP
	ShutdownTimeout time.Duration

	// Telemetry
	TracingEnabled  bool
	TracingExporter string
	TracingEndpoint string
	TracingSampling float64
	Environment     string
}

// FromEnv assembles the configuration from environment variables and defaults.
func FromEnv() Config {
	dataDir := ParseString("CLIPLINE_DATA_DIR", "/tmp/clipline")

	return Config{
		LogLevel: ParseString("CLIPLINE_LOG_LEVEL", "info"),

		RedisAddr:     ParseString("CLIPLINE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("CLIPLINE_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("CLIPLINE_REDIS_DB", 0),
		RedisPoolSize: ParseInt("CLIPLINE_REDIS_POOL_SIZE", 10),

		Workers:      ParseInt("CLIPLINE_WORKERS", 1),
		ClaimMinIdle: ParseDuration("CLIPLINE_CLAIM_MIN_IDLE", 60*time.Second),
		ReadBlock:    ParseDuration("CLIPLINE_READ_BLOCK", 5*time.Second),
		ErrorBackoff: ParseDuration("CLIPLINE_ERROR_BACKOFF", time.Second),

		LockTTL:   ParseDuration("CLIPLINE_LOCK_TTL", 30*time.Minute),
		CancelTTL: ParseDuration("CLIPLINE_CANCEL_TTL", 5*time.Minute),

		HistoryTTL:     ParseDuration("CLIPLINE_HISTORY_TTL", 24*time.Hour),
		HistoryMaxRuns: ParseInt("CLIPLINE_HISTORY_MAX_RUNS", 50),

		JobLockTTL:   ParseDuration("CLIPLINE_JOB_LOCK_TTL", 30*time.Minute),
		JobResultTTL: ParseDuration("CLIPLINE_JOB_RESULT_TTL", 24*time.Hour),

		TranscriptionTimeout:    ParseDuration("CLIPLINE_TRANSCRIPTION_TIMEOUT", 300*time.Second),
		InferenceTimeout:        ParseDuration("CLIPLINE_INFERENCE_TIMEOUT", 600*time.Second),
		GenerationStageTimeout:  ParseDuration("CLIPLINE_GENERATION_STAGE_TIMEOUT", 900*time.Second),
		RefinementMomentTimeout: ParseDuration("CLIPLINE_REFINEMENT_MOMENT_TIMEOUT", 600*time.Second),
		ClipTimeout:             ParseDuration("CLIPLINE_CLIP_TIMEOUT", 300*time.Second),

		AudioMaxConcurrent:      ParseInt("CLIPLINE_AUDIO_MAX_CONCURRENT", 2),
		TranscribeMaxConcurrent: ParseInt("CLIPLINE_TRANSCRIBE_MAX_CONCURRENT", 2),
		GenerateMaxConcurrent:   ParseInt("CLIPLINE_GENERATE_MAX_CONCURRENT", 2),
		ClipMaxConcurrent:       ParseInt("CLIPLINE_CLIP_MAX_CONCURRENT", 2),
		RefineMaxConcurrent:     ParseInt("CLIPLINE_REFINE_MAX_CONCURRENT", 3),

		ClipPadding:         ParseFloat("CLIPLINE_CLIP_PADDING", 30.0),
		ClipMargin:          ParseFloat("CLIPLINE_CLIP_MARGIN", 2.0),
		ClipParallelWorkers: ParseInt("CLIPLINE_CLIP_PARALLEL_WORKERS", 4),

		FFmpegPath:    ParseString("CLIPLINE_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:   ParseString("CLIPLINE_FFPROBE_PATH", "ffprobe"),
		VideoEncoder:  ParseString("CLIPLINE_VIDEO_ENCODER", ""),
		EncoderPreset: ParseString("CLIPLINE_ENCODER_PRESET", "fast"),

		MaxTokens:          ParseInt("CLIPLINE_MAX_TOKENS", 15000),
		DefaultTemperature: ParseFloat("CLIPLINE_DEFAULT_TEMPERATURE", 0.7),

		DataDir:   dataDir,
		DBBackend: ParseString("CLIPLINE_DB_BACKEND", "sqlite"),

		ObjectStoreDir: ParseString("CLIPLINE_OBJECT_STORE_DIR", filepath.Join(dataDir, "objects")),
		PublicBaseURL:  ParseString("CLIPLINE_PUBLIC_BASE_URL", "http://localhost:8080"),
		SigningSecret:  ParseString("CLIPLINE_SIGNING_SECRET", ""),
		SignedURLTTL:   ParseDuration("CLIPLINE_SIGNED_URL_TTL", time.Hour),

		MaxDownloadBytes: int64(ParseInt("CLIPLINE_MAX_DOWNLOAD_MB", 5120)) * 1024 * 1024,
		AllowPrivateURLs: ParseBool("CLIPLINE_ALLOW_PRIVATE_URLS", false),
		AllowedHosts:     ParseList("CLIPLINE_ALLOWED_HOSTS", nil),

		ModelsFile:    ParseString("CLIPLINE_MODELS_FILE", ""),
		SSHHost:       ParseString("CLIPLINE_SSH_HOST", ""),
		SSHRemoteHost: ParseString("CLIPLINE_SSH_REMOTE_HOST", ""),

		ListenAddr:      ParseString("CLIPLINE_LISTEN", ":8080"),
		SubmitRateLimit: ParseInt("CLIPLINE_SUBMIT_RATE_LIMIT", 30),
		ShutdownTimeout: ParseDuration("CLIPLINE_SHUTDOWN_TIMEOUT", 15*time.Second),

		TracingEnabled:  ParseBool("CLIPLINE_TRACING_ENABLED", false),
		TracingExporter: ParseString("CLIPLINE_TRACING_EXPORTER", "grpc"),
		TracingEndpoint: ParseString("CLIPLINE_TRACING_ENDPOINT", "localhost:4317"),
		TracingSampling: ParseFloat("CLIPLINE_TRACING_SAMPLING", 1.0),
		Environment:     ParseString("CLIPLINE_ENVIRONMENT", "development"),
	}
}

// Validate fails fast on configuration that cannot produce a working daemon.
func (c Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("config: redis address must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1 (got %d)", c.Workers)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("config: lock TTL must be positive (got %s)", c.LockTTL)
	}
	if c.HistoryMaxRuns < 1 {
		return fmt.Errorf("config: history max runs must be >= 1 (got %d)", c.HistoryMaxRuns)
	}
	for name, bound := range map[string]int{
		"audio":      c.AudioMaxConcurrent,
		"transcribe": c.TranscribeMaxConcurrent,
		"generate":   c.GenerateMaxConcurrent,
		"clip":       c.ClipMaxConcurrent,
		"refine":     c.RefineMaxConcurrent,
	} {
		if bound < 1 {
			return fmt.Errorf("config: %s concurrency bound must be >= 1 (got %d)", name, bound)
		}
	}
	if c.ClipPadding < 0 || c.ClipMargin < 0 {
		return fmt.Errorf("config: clip padding and margin must be >= 0")
	}
	if c.ClipParallelWorkers < 1 {
		return fmt.Errorf("config: clip parallel workers must be >= 1 (got %d)", c.ClipParallelWorkers)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	return nil
}

// VideosDir returns the staging directory for downloaded videos.
func (c Config) VideosDir() string { return filepath.Join(c.DataDir, "videos") }

// AudioDir returns the staging directory for extracted audio.
func (c Config) AudioDir() string { return filepath.Join(c.DataDir, "audio") }

// ClipsDir returns the staging directory for extracted clips.
func (c Config) ClipsDir() string { return filepath.Join(c.DataDir, "clips") }

// DatabaseDir returns the directory holding the sqlite database file.
func (c Config) DatabaseDir() string { return filepath.Join(c.DataDir, "db") }

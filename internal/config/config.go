// Package config loads and validates stagecast configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all tunables for a stagecast instance. Zero values for
// required fields fail Validate; optional fields have defaults applied
// by Load.
type Config struct {
	// Canvas / timing
	CanvasWidth  int
	CanvasHeight int
	TargetFPS    int

	// Listeners
	RTMPAddr string
	HTTPAddr string

	// Encoder
	RTMPBaseURL     string // e.g. rtmp://127.0.0.1:1935
	StreamPath      string // e.g. /live
	VideoBitrateK   int    // kbps
	EncoderPreset   string
	HardwareAccel   bool
	EncoderBinary   string
	MaxRestarts     int
	FrameDropMs     int // inter-frame latency above which SendFrame drops
	RestartDelayMs  int
	ProbeTimeoutSec int

	// Pipeline / workers
	MaxQueueSize int
	WorkerCount  int

	// Preview
	BatchWindowMs  int
	BatchMaxFrames int

	// Key store
	KeyStoreBackend string // "sqlite" or "memory"
	KeyStorePath    string

	// Logging
	LogLevel string
}

// Load reads .env (if present) and the process environment into a
// Config with defaults applied. It does not validate; call Validate
// before use.
func Load(paths ...string) Config {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	_ = godotenv.Load(paths...) // missing .env is fine, env and defaults apply

	workers := (runtime.NumCPU() * 3) / 4
	if workers < 1 {
		workers = 1
	}

	return Config{
		CanvasWidth:     GetEnvInt("CANVAS_WIDTH", 1280),
		CanvasHeight:    GetEnvInt("CANVAS_HEIGHT", 720),
		TargetFPS:       GetEnvInt("TARGET_FPS", 30),
		RTMPAddr:        GetEnv("RTMP_ADDR", ":1935"),
		HTTPAddr:        GetEnv("HTTP_ADDR", ":8080"),
		RTMPBaseURL:     GetEnv("RTMP_BASE_URL", "rtmp://127.0.0.1:1935"),
		StreamPath:      GetEnv("STREAM_PATH", "/live"),
		VideoBitrateK:   GetEnvInt("VIDEO_BITRATE_K", 4500),
		EncoderPreset:   GetEnv("ENCODER_PRESET", "veryfast"),
		HardwareAccel:   GetEnvBool("HARDWARE_ACCEL", false),
		EncoderBinary:   GetEnv("ENCODER_BINARY", "ffmpeg"),
		MaxRestarts:     GetEnvInt("ENCODER_MAX_RESTARTS", 3),
		FrameDropMs:     GetEnvInt("ENCODER_FRAME_DROP_MS", 100),
		RestartDelayMs:  GetEnvInt("ENCODER_RESTART_DELAY_MS", 1000),
		ProbeTimeoutSec: GetEnvInt("ENCODER_PROBE_TIMEOUT_SEC", 5),
		MaxQueueSize:    GetEnvInt("MAX_QUEUE_SIZE", 10),
		WorkerCount:     GetEnvInt("WORKER_COUNT", workers),
		BatchWindowMs:   GetEnvInt("PREVIEW_BATCH_WINDOW_MS", 50),
		BatchMaxFrames:  GetEnvInt("PREVIEW_BATCH_MAX_FRAMES", 4),
		KeyStoreBackend: GetEnv("KEYSTORE_BACKEND", "sqlite"),
		KeyStorePath:    GetEnv("KEYSTORE_PATH", "stagecast.db"),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks required fields and value ranges. It returns a single
// error naming every problem so startup failures are diagnosable in one
// pass.
func (c Config) Validate() error {
	var problems []string

	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		problems = append(problems, fmt.Sprintf("canvas size %dx%d invalid", c.CanvasWidth, c.CanvasHeight))
	}
	if c.TargetFPS <= 0 || c.TargetFPS > 120 {
		problems = append(problems, fmt.Sprintf("target FPS %d out of range 1..120", c.TargetFPS))
	}
	if c.RTMPAddr == "" {
		problems = append(problems, "RTMP_ADDR is required")
	}
	if c.HTTPAddr == "" {
		problems = append(problems, "HTTP_ADDR is required")
	}
	if c.RTMPBaseURL == "" {
		problems = append(problems, "RTMP_BASE_URL is required")
	}
	if c.VideoBitrateK <= 0 {
		problems = append(problems, "VIDEO_BITRATE_K must be positive")
	}
	if c.MaxQueueSize <= 0 {
		problems = append(problems, "MAX_QUEUE_SIZE must be positive")
	}
	if c.WorkerCount <= 0 {
		problems = append(problems, "WORKER_COUNT must be positive")
	}
	if c.MaxRestarts < 0 {
		problems = append(problems, "ENCODER_MAX_RESTARTS must be non-negative")
	}
	switch c.KeyStoreBackend {
	case "sqlite":
		if c.KeyStorePath == "" {
			problems = append(problems, "KEYSTORE_PATH is required for sqlite backend")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown keystore backend %q", c.KeyStoreBackend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FrameInterval returns the duration between frames at the target FPS.
func (c Config) FrameInterval() int {
	return 1000 / c.TargetFPS
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named
// by key, or fallback if unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named
// by key, or fallback if unset or unparseable.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

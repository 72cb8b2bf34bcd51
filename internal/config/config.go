// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Artifact sources supported by the worker.
const (
	// ArtifactSourceFilesystem reads produced files directly from the ComfyUI tree.
	ArtifactSourceFilesystem = "filesystem"
	// ArtifactSourceHTTP downloads produced files through the ComfyUI /view endpoint.
	ArtifactSourceHTTP = "http"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when a port is outside 1-65535.
	ErrInvalidPort = errors.New("config: port must be between 1 and 65535")
	// ErrInvalidDuration is returned when a timing setting is not positive.
	ErrInvalidDuration = errors.New("config: durations must be positive")
	// ErrInvalidRetries is returned when READY_MAX_RETRIES is not positive.
	ErrInvalidRetries = errors.New("config: READY_MAX_RETRIES must be positive")
	// ErrInvalidArtifactSource is returned for an unknown ARTIFACT_SOURCE.
	ErrInvalidArtifactSource = errors.New("config: ARTIFACT_SOURCE must be filesystem or http")
	// ErrComfyUIPathRequired is returned when COMFYUI_PATH is empty.
	ErrComfyUIPathRequired = errors.New("config: COMFYUI_PATH is required")
)

// Config holds all configuration for the worker.
type Config struct {
	// Worker HTTP surface
	Port int `env:"PORT, default=8000" json:"port"`

	// ComfyUI backend
	ComfyUIPath   string `env:"COMFYUI_PATH, default=/app/ComfyUI" json:"comfyui_path"`
	ComfyUIHost   string `env:"COMFYUI_HOST, default=127.0.0.1" json:"comfyui_host"`
	ComfyUIPort   int    `env:"COMFYUI_PORT, default=8188" json:"comfyui_port"`
	ComfyUIPython string `env:"COMFYUI_PYTHON, default=python" json:"comfyui_python"`
	StartComfyUI  bool   `env:"COMFYUI_START, default=true" json:"comfyui_start"`

	// Backend lifecycle
	ReadyMaxRetries int           `env:"READY_MAX_RETRIES, default=60" json:"ready_max_retries"`
	ReadyInterval   time.Duration `env:"READY_INTERVAL, default=1s" json:"ready_interval"`
	StopGrace       time.Duration `env:"STOP_GRACE, default=10s" json:"stop_grace"`

	// Job processing
	PollInterval      time.Duration `env:"POLL_INTERVAL, default=2s" json:"poll_interval"`
	CompletionTimeout time.Duration `env:"COMPLETION_TIMEOUT, default=600s" json:"completion_timeout"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT, default=30s" json:"request_timeout"`
	DownloadTimeout   time.Duration `env:"DOWNLOAD_TIMEOUT, default=60s" json:"download_timeout"`
	ArtifactSource    string        `env:"ARTIFACT_SOURCE, default=filesystem" json:"artifact_source"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// ComfyUIURL returns the base URL of the backend control plane.
func (c *Config) ComfyUIURL() string {
	return fmt.Sprintf("http://%s:%d", c.ComfyUIHost, c.ComfyUIPort)
}

// InputDir returns the directory ComfyUI loads input images from.
func (c *Config) InputDir() string {
	return filepath.Join(c.ComfyUIPath, "input")
}

// Load reads configuration from environment variables using go-envconfig
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if c.ComfyUIPath == "" {
		return ErrComfyUIPathRequired
	}
	for _, p := range []int{c.Port, c.ComfyUIPort} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: got %d", ErrInvalidPort, p)
		}
	}
	if c.ReadyMaxRetries <= 0 {
		return ErrInvalidRetries
	}
	for _, d := range []time.Duration{c.ReadyInterval, c.StopGrace, c.PollInterval, c.CompletionTimeout, c.RequestTimeout, c.DownloadTimeout} {
		if d <= 0 {
			return fmt.Errorf("%w: got %s", ErrInvalidDuration, d)
		}
	}
	switch strings.ToLower(c.ArtifactSource) {
	case ArtifactSourceFilesystem, ArtifactSourceHTTP:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidArtifactSource, c.ArtifactSource)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, ComfyUIPath: %s, ComfyUIURL: %s, StartComfyUI: %t, PollInterval: %s, CompletionTimeout: %s, ArtifactSource: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.ComfyUIPath,
		c.ComfyUIURL(),
		c.StartComfyUI,
		c.PollInterval,
		c.CompletionTimeout,
		c.ArtifactSource,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package config loads server configuration with clear precedence:
// environment variables override an optional YAML config file, which
// overrides built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/nvallin/proctorly/internal/detection"
	"github.com/nvallin/proctorly/internal/inference"
	"github.com/nvallin/proctorly/internal/proctor"
	"github.com/nvallin/proctorly/internal/transcribe"
	"github.com/nvallin/proctorly/internal/validation"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/proctorly/config.yaml",
	"/etc/proctorly/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "PROCTORLY_CONFIG"

// envPrefix namespaces all environment variables.
const envPrefix = "PROCTORLY_"

// Config is the root server configuration.
type Config struct {
	Server        ServerConfig               `koanf:"server"`
	Security      SecurityConfig             `koanf:"security"`
	Store         StoreConfig                `koanf:"store"`
	BlobStage     BlobStageConfig            `koanf:"blobstage"`
	Proctor       proctor.SessionConfig      `koanf:"proctor"`
	Detection     detection.CounterConfig    `koanf:"detection"`
	Transcription transcribe.SchedulerConfig `koanf:"transcription"`
	Inference     inference.ClientConfig     `koanf:"inference"`
	Logging       LoggingConfig              `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// AllowedOrigins is the CORS allow-list; it also gates websocket
	// upgrades. Empty means same-origin only.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// RateLimit is requests per minute per client IP on REST routes.
	RateLimit int `koanf:"rate_limit"`

	// MaxUploadBytes caps answer recording uploads.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
}

// SecurityConfig configures authentication.
type SecurityConfig struct {
	JWTSecret      string        `koanf:"jwt_secret" validate:"required,min=32"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
}

// StoreConfig configures the embedded document store.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`

	// InMemory replaces the on-disk store, for tests and ephemeral runs.
	InMemory bool `koanf:"in_memory"`
}

// BlobStageConfig configures the staging area sweeper.
type BlobStageConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxAge        time.Duration `koanf:"max_age"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8443,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  nil,
			RateLimit:       120,
			MaxUploadBytes:  50 << 20, // 50 MB
		},
		Security: SecurityConfig{
			JWTSecret:      "",
			SessionTimeout: 24 * time.Hour,
		},
		Store: StoreConfig{
			Path:     "/data/proctorly",
			InMemory: false,
		},
		BlobStage: BlobStageConfig{
			SweepInterval: time.Hour,
			MaxAge:        24 * time.Hour,
		},
		Proctor:       proctor.DefaultSessionConfig(),
		Detection:     detection.DefaultCounterConfig(),
		Transcription: transcribe.DefaultSchedulerConfig(),
		Inference: inference.ClientConfig{
			BaseURL:         "https://api.openai.com",
			ChatModel:       "gpt-4o-mini",
			TranscribeModel: "whisper-1",
			Timeout:         120 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// PROCTORLY_* environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if c.Proctor.Tracker.MaxAlerts < 0 {
		return fmt.Errorf("proctor.tracker.max_alerts must not be negative")
	}
	if c.BlobStage.MaxAge <= 0 {
		return fmt.Errorf("blobstage.max_age must be positive")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths:
// PROCTORLY_SERVER_PORT -> server.port,
// PROCTORLY_SECURITY_JWT_SECRET -> security.jwt_secret.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	// The flat scheme maps the first underscore to a section separator;
	// multi-word leaf names are listed explicitly.
	envMappings := map[string]string{
		"security_jwt_secret":            "security.jwt_secret",
		"security_session_timeout":       "security.session_timeout",
		"server_read_timeout":            "server.read_timeout",
		"server_write_timeout":           "server.write_timeout",
		"server_shutdown_timeout":        "server.shutdown_timeout",
		"server_allowed_origins":         "server.allowed_origins",
		"server_rate_limit":              "server.rate_limit",
		"server_max_upload_bytes":        "server.max_upload_bytes",
		"store_in_memory":                "store.in_memory",
		"blobstage_sweep_interval":       "blobstage.sweep_interval",
		"blobstage_max_age":              "blobstage.max_age",
		"proctor_frames_per_second":      "proctor.frames_per_second",
		"proctor_frame_burst":            "proctor.frame_burst",
		"proctor_alert_cooldown":         "proctor.tracker.alert_cooldown",
		"proctor_no_face_threshold":      "proctor.tracker.no_face_threshold",
		"proctor_multi_face_threshold":   "proctor.tracker.multi_face_threshold",
		"proctor_max_alerts":             "proctor.tracker.max_alerts",
		"detection_url":                  "detection.url",
		"detection_timeout":              "detection.timeout",
		"transcription_queue_buffer":     "transcription.queue_buffer",
		"transcription_workers":          "transcription.workers",
		"inference_base_url":             "inference.base_url",
		"inference_api_key":              "inference.api_key",
		"inference_chat_model":           "inference.chat_model",
		"inference_transcribe_model":     "inference.transcribe_model",
		"inference_timeout":              "inference.timeout",
		"logging_level":                  "logging.level",
		"logging_pretty":                 "logging.pretty",
	}
	if path, ok := envMappings[key]; ok {
		return path
	}

	return strings.Replace(key, "_", ".", 1)
}

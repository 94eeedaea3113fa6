// Package config provides the configuration structure for the voice-service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override, e.g. VOICE_SERVICE_SERVER_LISTEN_ADDR.
const EnvPrefix = "VOICE_SERVICE_"

// ErrInvalidConfig indicates a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr               string `toml:"listen_addr"                 env:"LISTEN_ADDR"`
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds" env:"READ_HEADER_TIMEOUT_SECONDS"`
	MaxUploadMB              int    `toml:"max_upload_mb"               env:"MAX_UPLOAD_MB"`
	EnableWebSocket          bool   `toml:"enable_websocket"            env:"ENABLE_WEBSOCKET"`
}

// NATSConfig holds the configuration for the NATS job worker.
type NATSConfig struct {
	Enabled                bool   `toml:"enabled"                   env:"ENABLED"`
	URL                    string `toml:"url"                       env:"URL"`
	SynthesisSubject       string `toml:"synthesis_subject"         env:"SYNTHESIS_SUBJECT"`
	QueueGroup             string `toml:"queue_group"               env:"QUEUE_GROUP"`
	Workers                int    `toml:"workers"                   env:"WORKERS"`
	JobTimeoutSeconds      int    `toml:"job_timeout_seconds"       env:"JOB_TIMEOUT_SECONDS"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"  env:"TEXT_OBJECT_STORE_BUCKET"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket" env:"AUDIO_OBJECT_STORE_BUCKET"`
	AudioTTLHours          int    `toml:"audio_ttl_hours"           env:"AUDIO_TTL_HOURS"`
}

// LibraryConfig locates the voice library.
type LibraryConfig struct {
	Root string `toml:"root" env:"ROOT"`
}

// CacheConfig tunes the embedding cache.
type CacheConfig struct {
	MemoryMaxEntries int  `toml:"memory_max_entries" env:"MEMORY_MAX_ENTRIES"`
	CompressionLevel int  `toml:"compression_level"  env:"COMPRESSION_LEVEL"`
	PreloadOnStart   bool `toml:"preload_on_start"   env:"PRELOAD_ON_START"`
	PreloadWorkers   int  `toml:"preload_workers"    env:"PRELOAD_WORKERS"`
}

// BackendConfig locates the synthesis model server.
type BackendConfig struct {
	URL            string `toml:"url"             env:"URL"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	SampleRate     int    `toml:"sample_rate"     env:"SAMPLE_RATE"`
}

// TranscriberConfig configures the Whisper-compatible transcription endpoint.
type TranscriberConfig struct {
	Enabled        bool   `toml:"enabled"         env:"ENABLED"`
	BaseURL        string `toml:"base_url"        env:"BASE_URL"`
	APIKey         string `toml:"api_key"         env:"API_KEY"`
	Model          string `toml:"model"           env:"MODEL"`
	Language       string `toml:"language"        env:"LANGUAGE"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// SynthesisConfig holds the request limits and text handling options.
type SynthesisConfig struct {
	MinSpeed            float64 `toml:"min_speed"            env:"MIN_SPEED"`
	MaxSpeed            float64 `toml:"max_speed"            env:"MAX_SPEED"`
	DefaultSpeed        float64 `toml:"default_speed"        env:"DEFAULT_SPEED"`
	// MaxTextLength is in runes and also bounds the pages synthesized by the NATS worker.
	MaxTextLength       int     `toml:"max_text_length"      env:"MAX_TEXT_LENGTH"`
	StreamPrefetch      int     `toml:"stream_prefetch"      env:"STREAM_PREFETCH"`
	NormalizeText       bool    `toml:"normalize_text"       env:"NORMALIZE_TEXT"`
	ExpandAbbreviations bool    `toml:"expand_abbreviations" env:"EXPAND_ABBREVIATIONS"`
	SpellNumbers        bool    `toml:"spell_numbers"        env:"SPELL_NUMBERS"`
	WarmupOnCreate      bool    `toml:"warmup_on_create"     env:"WARMUP_ON_CREATE"`
	WarmupText          string  `toml:"warmup_text"          env:"WARMUP_TEXT"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir" env:"BASE_LOGS_DIR"`
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `toml:"server"      envPrefix:"SERVER_"`
	NATS        NATSConfig        `toml:"nats"        envPrefix:"NATS_"`
	Library     LibraryConfig     `toml:"library"     envPrefix:"LIBRARY_"`
	Cache       CacheConfig       `toml:"cache"       envPrefix:"CACHE_"`
	Backend     BackendConfig     `toml:"backend"     envPrefix:"BACKEND_"`
	Transcriber TranscriberConfig `toml:"transcriber" envPrefix:"TRANSCRIBER_"`
	Synthesis   SynthesisConfig   `toml:"synthesis"   envPrefix:"SYNTHESIS_"`
	Paths       PathsConfig       `toml:"paths"       envPrefix:"PATHS_"`
}

// Defaults returns a configuration that runs a local server against a model server
// on its default port.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:               ":8000",
			ReadHeaderTimeoutSeconds: 10,
			MaxUploadMB:              50,
			EnableWebSocket:          true,
		},
		NATS: NATSConfig{
			Enabled:                false,
			URL:                    "nats://127.0.0.1:4222",
			SynthesisSubject:       "text.processed",
			QueueGroup:             "voice-service",
			Workers:                2,
			JobTimeoutSeconds:      120,
			TextObjectStoreBucket:  "TEXT_FILES",
			AudioObjectStoreBucket: "AUDIO_FILES",
			AudioTTLHours:          0,
		},
		Library: LibraryConfig{Root: "voices"},
		Cache: CacheConfig{
			MemoryMaxEntries: 0,
			CompressionLevel: 3,
			PreloadOnStart:   true,
			PreloadWorkers:   4,
		},
		Backend: BackendConfig{
			URL:            "http://127.0.0.1:50000",
			TimeoutSeconds: 10,
			SampleRate:     24000,
		},
		Transcriber: TranscriberConfig{
			Enabled:        false,
			BaseURL:        "http://127.0.0.1:9000/v1",
			APIKey:         "",
			Model:          "whisper-1",
			Language:       "",
			TimeoutSeconds: 60,
		},
		Synthesis: SynthesisConfig{
			MinSpeed:            0.5,
			MaxSpeed:            2.0,
			DefaultSpeed:        1.0,
			MaxTextLength:       4096,
			StreamPrefetch:      2,
			NormalizeText:       true,
			ExpandAbbreviations: true,
			SpellNumbers:        false,
			WarmupOnCreate:      true,
			WarmupText:          "Hello, this is a test of the voice.",
		},
		Paths: PathsConfig{BaseLogsDir: "logs"},
	}
}

// Load loads the configuration through the central configurator, applies
// environment overrides and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Defaults()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg, nil)
}

// LoadFile loads a TOML file instead of asking the configurator.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Defaults()

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return finish(&cfg, nil)
}

// ApplyEnv overrides cfg from VOICE_SERVICE_* variables. A nil environment reads
// the process environment.
func ApplyEnv(cfg *Config, environment map[string]string) error {
	err := env.ParseWithOptions(cfg, env.Options{
		Environment: environment,
		Prefix:      EnvPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return nil
}

func finish(cfg *Config, environment map[string]string) (*Config, error) {
	err := ApplyEnv(cfg, environment)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Server.ListenAddr) == "":
		return fmt.Errorf("%w: server.listen_addr is required", ErrInvalidConfig)
	case c.Server.MaxUploadMB < 0:
		return fmt.Errorf("%w: server.max_upload_mb must not be negative", ErrInvalidConfig)
	case strings.TrimSpace(c.Library.Root) == "":
		return fmt.Errorf("%w: library.root is required", ErrInvalidConfig)
	case c.Cache.MemoryMaxEntries < 0:
		return fmt.Errorf("%w: cache.memory_max_entries must not be negative", ErrInvalidConfig)
	case c.Synthesis.MinSpeed <= 0 || c.Synthesis.MinSpeed > c.Synthesis.MaxSpeed:
		return fmt.Errorf("%w: synthesis speed range [%v, %v] is invalid",
			ErrInvalidConfig, c.Synthesis.MinSpeed, c.Synthesis.MaxSpeed)
	case c.Synthesis.DefaultSpeed < c.Synthesis.MinSpeed || c.Synthesis.DefaultSpeed > c.Synthesis.MaxSpeed:
		return fmt.Errorf("%w: synthesis.default_speed %v is outside [%v, %v]",
			ErrInvalidConfig, c.Synthesis.DefaultSpeed, c.Synthesis.MinSpeed, c.Synthesis.MaxSpeed)
	case c.Synthesis.MaxTextLength <= 0:
		return fmt.Errorf("%w: synthesis.max_text_length must be positive", ErrInvalidConfig)
	case c.Synthesis.StreamPrefetch < 0:
		return fmt.Errorf("%w: synthesis.stream_prefetch must not be negative", ErrInvalidConfig)
	case c.Transcriber.Enabled && strings.TrimSpace(c.Transcriber.Model) == "":
		return fmt.Errorf("%w: transcriber.model is required when the transcriber is enabled", ErrInvalidConfig)
	}

	err := validateURL("backend.url", c.Backend.URL)
	if err != nil {
		return err
	}

	if c.NATS.Enabled {
		return c.NATS.validate()
	}

	return nil
}

func (n NATSConfig) validate() error {
	switch {
	case strings.TrimSpace(n.URL) == "":
		return fmt.Errorf("%w: nats.url is required when the worker is enabled", ErrInvalidConfig)
	case strings.TrimSpace(n.SynthesisSubject) == "":
		return fmt.Errorf("%w: nats.synthesis_subject is required when the worker is enabled", ErrInvalidConfig)
	case n.TextObjectStoreBucket == "" || n.AudioObjectStoreBucket == "":
		return fmt.Errorf("%w: nats object store buckets are required when the worker is enabled", ErrInvalidConfig)
	}

	return nil
}

func validateURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %s %q is not an absolute URL", ErrInvalidConfig, field, raw)
	}

	return nil
}

// ReadHeaderTimeout returns the header read timeout.
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second
}

// MaxUploadBytes returns the upload limit in bytes.
func (s ServerConfig) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) << 20
}

// JobTimeout returns the per-job deadline.
func (n NATSConfig) JobTimeout() time.Duration {
	return time.Duration(n.JobTimeoutSeconds) * time.Second
}

// AudioTTL returns how long synthesized audio objects are kept.
func (n NATSConfig) AudioTTL() time.Duration {
	return time.Duration(n.AudioTTLHours) * time.Hour
}

// Timeout returns the backend health check timeout.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// Timeout returns the transcription request timeout.
func (t TranscriberConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

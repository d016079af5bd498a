// ABOUTME: Configuration loading and parsing for orbit-chat
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schmitech/orbit-chat/internal/limits"
)

// Config represents the complete orbit-chat configuration
type Config struct {
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Limits      limits.Ceilings   `yaml:"limits"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Audio       AudioConfig       `yaml:"audio"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// APIConfig holds the inference server connection configuration
type APIConfig struct {
	URL     string `yaml:"url"`
	Key     string `yaml:"key"`
	Adapter string `yaml:"adapter"`
}

// StorageConfig holds local state storage configuration
type StorageConfig struct {
	// Path is the SQLite database file, or ":memory:" for ephemeral state
	Path string `yaml:"path"`
}

// StreamingConfig holds streaming buffer tuning
type StreamingConfig struct {
	FlushInterval time.Duration `yaml:"-"`
	MaxMessageLen int           `yaml:"max_message_len"`

	// Raw string value for YAML unmarshaling
	FlushIntervalRaw string `yaml:"flush_interval"`
}

// PersistenceConfig holds debounced write tuning
type PersistenceConfig struct {
	WriteDelay    time.Duration `yaml:"-"`
	MaxWriteDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	WriteDelayRaw    string `yaml:"write_delay"`
	MaxWriteDelayRaw string `yaml:"max_write_delay"`
}

// AudioConfig holds default text-to-speech preferences
type AudioConfig struct {
	ReturnAudio bool   `yaml:"return_audio"`
	TTSVoice    string `yaml:"tts_voice"`
	Language    string `yaml:"language"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Streaming.MaxMessageLen < 0 {
		return fmt.Errorf("streaming.max_message_len must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Streaming.FlushIntervalRaw != "" {
		cfg.Streaming.FlushInterval, err = time.ParseDuration(cfg.Streaming.FlushIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing flush_interval %q: %w", cfg.Streaming.FlushIntervalRaw, err)
		}
	}

	if cfg.Persistence.WriteDelayRaw != "" {
		cfg.Persistence.WriteDelay, err = time.ParseDuration(cfg.Persistence.WriteDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing write_delay %q: %w", cfg.Persistence.WriteDelayRaw, err)
		}
	}

	if cfg.Persistence.MaxWriteDelayRaw != "" {
		cfg.Persistence.MaxWriteDelay, err = time.ParseDuration(cfg.Persistence.MaxWriteDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_write_delay %q: %w", cfg.Persistence.MaxWriteDelayRaw, err)
		}
	}

	return nil
}

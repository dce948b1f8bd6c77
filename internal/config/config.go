package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "PARLO_"

// Recognizer backends
const (
	BackendVosk  = "vosk"
	BackendCloud = "cloud"
)

// Config represents the application configuration
type Config struct {
	// Logging settings
	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`

	// Learner settings
	Learner struct {
		ID string `yaml:"id" env:"ID"`
	} `yaml:"learner" envPrefix:"LEARNER_"`

	// Curriculum settings; an empty path uses the built-in catalog
	Curriculum struct {
		Path string `yaml:"path" env:"PATH"`
	} `yaml:"curriculum" envPrefix:"CURRICULUM_"`

	// Model settings; an empty dir uses ./models
	Model struct {
		Default string `yaml:"default" env:"DEFAULT"`
		Dir     string `yaml:"dir" env:"DIR"`
	} `yaml:"model" envPrefix:"MODEL_"`

	// Recognizer settings
	Recognizer struct {
		Backend         string        `yaml:"backend" env:"BACKEND"`
		NoSpeechTimeout time.Duration `yaml:"no_speech_timeout" env:"NO_SPEECH_TIMEOUT"`
		SilenceTimeout  time.Duration `yaml:"silence_timeout" env:"SILENCE_TIMEOUT"`
		StallTimeout    time.Duration `yaml:"stall_timeout" env:"STALL_TIMEOUT"`
		RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
		MaxIdleRestarts int           `yaml:"max_idle_restarts" env:"MAX_IDLE_RESTARTS"`
	} `yaml:"recognizer" envPrefix:"RECOGNIZER_"`

	// Google Cloud Speech settings
	Cloud struct {
		ProjectID       string `yaml:"project_id" env:"PROJECT_ID"`
		CredentialsJSON string `yaml:"credentials_json" env:"CREDENTIALS_JSON"`
		Location        string `yaml:"location" env:"LOCATION"`
		Model           string `yaml:"model" env:"MODEL"`
		Language        string `yaml:"language" env:"LANGUAGE"`
	} `yaml:"cloud" envPrefix:"CLOUD_"`

	// VAD settings
	VAD struct {
		Enabled      bool    `yaml:"enabled" env:"ENABLED"`
		Threshold    float64 `yaml:"threshold" env:"THRESHOLD"`
		SilenceDelay float64 `yaml:"silence_delay" env:"SILENCE_DELAY"`
	} `yaml:"vad" envPrefix:"VAD_"`

	// Audio settings
	Audio struct {
		Device          string        `yaml:"device" env:"DEVICE"`
		SampleRate      uint32        `yaml:"sample_rate" env:"SAMPLE_RATE"`
		RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
		Bins            int           `yaml:"bins" env:"BINS"`
	} `yaml:"audio" envPrefix:"AUDIO_"`

	// Practice settings
	Practice struct {
		ScoringDelay time.Duration `yaml:"scoring_delay" env:"SCORING_DELAY"`
	} `yaml:"practice" envPrefix:"PRACTICE_"`

	// Progress settings; an empty database URL keeps progress in memory
	Progress struct {
		DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	} `yaml:"progress" envPrefix:"PROGRESS_"`

	// Server settings
	Server struct {
		Host           string   `yaml:"host" env:"HOST"`
		Port           int      `yaml:"port" env:"PORT"`
		AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"server" envPrefix:"SERVER_"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Learner.ID = "local"

	cfg.Recognizer.Backend = BackendVosk
	cfg.Recognizer.NoSpeechTimeout = 8 * time.Second
	cfg.Recognizer.SilenceTimeout = 3 * time.Second
	cfg.Recognizer.RetryDelay = time.Second
	cfg.Recognizer.MaxIdleRestarts = 20

	cfg.Cloud.Location = "global"
	cfg.Cloud.Model = "long"
	cfg.Cloud.Language = "en-US"

	cfg.VAD.Enabled = true
	cfg.VAD.Threshold = 0.01
	cfg.VAD.SilenceDelay = 2.5

	cfg.Audio.SampleRate = 16000
	cfg.Audio.RefreshInterval = 16 * time.Millisecond
	cfg.Audio.Bins = 40

	cfg.Practice.ScoringDelay = 1500 * time.Millisecond

	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080

	return cfg
}

// Load loads configuration from file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadWithFallback attempts to load configuration from multiple locations
// Priority: explicit path > ~/.parlorc > /etc/parlo/config.yaml > defaults
func LoadWithFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(homeDir, ".parlorc")
		if _, err := os.Stat(userConfigPath); err == nil {
			cfg, err := Load(userConfigPath)
			if err == nil {
				return cfg, nil
			}
		}
	}

	systemConfigPath := "/etc/parlo/config.yaml"
	if _, err := os.Stat(systemConfigPath); err == nil {
		cfg, err := Load(systemConfigPath)
		if err == nil {
			return cfg, nil
		}
	}

	return DefaultConfig(), nil
}

// Resolve builds the effective configuration: the file chain, then a .env
// file, then PARLO_* environment overrides. The result is validated.
func Resolve(explicitPath, dotenvPath string) (*Config, error) {
	cfg, err := LoadWithFallback(explicitPath)
	if err != nil {
		return nil, err
	}
	if err := LoadDotenv(dotenvPath); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotenv loads variables from a .env file without overriding the
// environment. A missing file is not an error.
func LoadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from PARLO_* environment variables. Unset
// variables leave the current values alone.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(nil)
}

func (c *Config) applyEnv(environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("environment variables are invalid: %w", err)
	}
	return nil
}

// Validate checks value ranges and backend requirements
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Recognizer.Backend {
	case BackendVosk:
	case BackendCloud:
		if c.Cloud.ProjectID == "" {
			return fmt.Errorf("cloud.project_id is required when recognizer.backend=cloud")
		}
	default:
		return fmt.Errorf("recognizer.backend must be vosk or cloud, got %q", c.Recognizer.Backend)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"recognizer.no_speech_timeout", c.Recognizer.NoSpeechTimeout},
		{"recognizer.silence_timeout", c.Recognizer.SilenceTimeout},
		{"recognizer.stall_timeout", c.Recognizer.StallTimeout},
		{"recognizer.retry_delay", c.Recognizer.RetryDelay},
		{"practice.scoring_delay", c.Practice.ScoringDelay},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.name, d.value)
		}
	}
	if c.Recognizer.MaxIdleRestarts < 0 {
		return fmt.Errorf("recognizer.max_idle_restarts must not be negative, got %d", c.Recognizer.MaxIdleRestarts)
	}

	if c.VAD.Threshold <= 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold must be in (0, 1], got %v", c.VAD.Threshold)
	}
	if c.VAD.SilenceDelay < 0 {
		return fmt.Errorf("vad.silence_delay must not be negative, got %v", c.VAD.SilenceDelay)
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.RefreshInterval <= 0 {
		return fmt.Errorf("audio.refresh_interval must be positive, got %s", c.Audio.RefreshInterval)
	}
	if c.Audio.Bins <= 0 {
		return fmt.Errorf("audio.bins must be positive, got %d", c.Audio.Bins)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port)
	}
	return nil
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewLogger builds the process logger from the log settings
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

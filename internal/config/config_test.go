package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
recognizer:
  backend: vosk
  silence_timeout: 5s
audio:
  device: USB Mic
practice:
  scoring_delay: 250ms
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Recognizer.SilenceTimeout != 5*time.Second {
		t.Fatalf("SilenceTimeout = %s, want 5s", cfg.Recognizer.SilenceTimeout)
	}
	if cfg.Audio.Device != "USB Mic" {
		t.Fatalf("Device = %q", cfg.Audio.Device)
	}
	if cfg.Practice.ScoringDelay != 250*time.Millisecond {
		t.Fatalf("ScoringDelay = %s, want 250ms", cfg.Practice.ScoringDelay)
	}
	if cfg.Audio.Bins != 40 || cfg.Recognizer.NoSpeechTimeout != 8*time.Second {
		t.Fatal("unset fields must keep their defaults")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadWithFallbackUsesHomeConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.WriteFile(filepath.Join(home, ".parlorc"), []byte("learner:\n  id: ana\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithFallback("")
	if err != nil {
		t.Fatalf("LoadWithFallback() error = %v", err)
	}
	if cfg.Learner.ID != "ana" {
		t.Fatalf("Learner.ID = %q, want ana", cfg.Learner.ID)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.Device = "from-file"
	err := cfg.applyEnv(map[string]string{
		"PARLO_RECOGNIZER_BACKEND":     "cloud",
		"PARLO_CLOUD_PROJECT_ID":       "demo-project",
		"PARLO_RECOGNIZER_RETRY_DELAY": "2s",
		"PARLO_VAD_ENABLED":            "false",
		"PARLO_SERVER_ALLOWED_ORIGINS": "http://a.test,http://b.test",
		"PARLO_PROGRESS_DATABASE_URL":  "postgres://localhost/parlo",
	})
	if err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}

	if cfg.Recognizer.Backend != BackendCloud || cfg.Cloud.ProjectID != "demo-project" {
		t.Fatalf("backend = %q project = %q", cfg.Recognizer.Backend, cfg.Cloud.ProjectID)
	}
	if cfg.Recognizer.RetryDelay != 2*time.Second {
		t.Fatalf("RetryDelay = %s, want 2s", cfg.Recognizer.RetryDelay)
	}
	if cfg.VAD.Enabled {
		t.Fatal("VAD.Enabled should be overridden to false")
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Progress.DatabaseURL != "postgres://localhost/parlo" {
		t.Fatalf("DatabaseURL = %q", cfg.Progress.DatabaseURL)
	}
	if cfg.Audio.Device != "from-file" {
		t.Fatal("unset variables must not clear file values")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(map[string]string{"PARLO_AUDIO_BINS": "many"}); err == nil {
		t.Fatal("applyEnv() expected error for non-numeric bins")
	}
}

func TestLoadDotenvMissingFileIsIgnored(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotenv() error = %v", err)
	}
}

func TestLoadDotenvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	data := "PARLO_TEST_DOTENV_A=from-file\nPARLO_TEST_DOTENV_B=from-file\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PARLO_TEST_DOTENV_A", "from-env")
	t.Setenv("PARLO_TEST_DOTENV_B", "")
	os.Unsetenv("PARLO_TEST_DOTENV_B")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv() error = %v", err)
	}
	if got := os.Getenv("PARLO_TEST_DOTENV_A"); got != "from-env" {
		t.Fatalf("PARLO_TEST_DOTENV_A = %q, want from-env", got)
	}
	if got := os.Getenv("PARLO_TEST_DOTENV_B"); got != "from-file" {
		t.Fatalf("PARLO_TEST_DOTENV_B = %q, want from-file", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad backend", func(c *Config) { c.Recognizer.Backend = "whisper" }, "recognizer.backend"},
		{"cloud without project", func(c *Config) { c.Recognizer.Backend = BackendCloud }, "cloud.project_id"},
		{"negative timeout", func(c *Config) { c.Recognizer.SilenceTimeout = -time.Second }, "silence_timeout"},
		{"threshold too high", func(c *Config) { c.VAD.Threshold = 2 }, "vad.threshold"},
		{"zero refresh", func(c *Config) { c.Audio.RefreshInterval = 0 }, "refresh_interval"},
		{"zero bins", func(c *Config) { c.Audio.Bins = 0 }, "audio.bins"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.errMsg)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Model.Default = "vosk-model-small-es-0.42"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Model.Default != cfg.Model.Default {
		t.Fatalf("Model.Default = %q, want %q", loaded.Model.Default, cfg.Model.Default)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"

	var buf bytes.Buffer
	cfg.NewLogger(&buf).Debug("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Fatalf("json logger output = %q", buf.String())
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsValidatedDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Boundary.Listen != ":8080" {
		t.Errorf("Boundary.Listen = %q, want :8080", cfg.Boundary.Listen)
	}
	if cfg.Boundary.MaxPromptLength != 32*1024 {
		t.Errorf("MaxPromptLength = %d, want 32768", cfg.Boundary.MaxPromptLength)
	}
	if cfg.Cache.TTL != 300*time.Second {
		t.Errorf("Cache.TTL = %v, want 300s", cfg.Cache.TTL)
	}
	if cfg.Evaluator.Mode != "local" {
		t.Errorf("Evaluator.Mode = %q, want local", cfg.Evaluator.Mode)
	}
}

func TestLoadParsesYAMLOverridingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := []byte(`
boundary:
  listen: ":9090"
  max_prompt_length: 1024
store:
  path: "custom.db"
`)
	if err := os.WriteFile(path, yamlBody, 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Boundary.Listen != ":9090" {
		t.Errorf("Boundary.Listen = %q, want :9090", cfg.Boundary.Listen)
	}
	if cfg.Boundary.MaxPromptLength != 1024 {
		t.Errorf("MaxPromptLength = %d, want 1024", cfg.Boundary.MaxPromptLength)
	}
	if cfg.Store.Path != "custom.db" {
		t.Errorf("Store.Path = %q, want custom.db", cfg.Store.Path)
	}
	// Fields the YAML omitted must still carry their defaults.
	if cfg.Cache.TTL != 300*time.Second {
		t.Errorf("Cache.TTL = %v, want default 300s to survive a partial override file", cfg.Cache.TTL)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	t.Setenv("PROMPTGATE_LISTEN", ":7777")
	t.Setenv("PROMPTGATE_MAX_PROMPT_LENGTH", "2048")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Boundary.Listen != ":7777" {
		t.Errorf("Boundary.Listen = %q, want env override :7777", cfg.Boundary.Listen)
	}
	if cfg.Boundary.MaxPromptLength != 2048 {
		t.Errorf("MaxPromptLength = %d, want env override 2048", cfg.Boundary.MaxPromptLength)
	}
}

func TestEnvOverrideInvalidPromptLengthIgnored(t *testing.T) {
	t.Setenv("PROMPTGATE_MAX_PROMPT_LENGTH", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Boundary.MaxPromptLength != 32*1024 {
		t.Errorf("MaxPromptLength = %d, want default preserved for an unparsable override", cfg.Boundary.MaxPromptLength)
	}
}

func TestValidateRejectsRemoteEvaluatorWithoutURL(t *testing.T) {
	cfg := defaults()
	cfg.Evaluator.Mode = "remote"
	cfg.Evaluator.RemoteURL = ""
	if err := cfg.validate(); err == nil {
		t.Error("validate() should reject remote evaluator mode without a remote_url")
	}
}

func TestValidateRejectsZeroMaxPromptLength(t *testing.T) {
	cfg := defaults()
	cfg.Boundary.MaxPromptLength = 0
	if err := cfg.validate(); err == nil {
		t.Error("validate() should reject a non-positive max_prompt_length")
	}
}

func TestValidateRejectsSimilarityEnabledWithoutURLs(t *testing.T) {
	cfg := defaults()
	cfg.Detectors.Similarity.Enabled = true
	cfg.Detectors.Similarity.EmbedURL = ""
	cfg.Detectors.Similarity.SearchURL = ""
	if err := cfg.validate(); err == nil {
		t.Error("validate() should reject similarity detector enabled without embed/search URLs")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := defaults().validate(); err != nil {
		t.Errorf("validate() on the built-in defaults should never fail, got %v", err)
	}
}

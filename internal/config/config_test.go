package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/voxqueue/voxqueue/internal/stt"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "voxqueue.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.STT.Provider != stt.ProviderWhisperCpp {
		t.Errorf("default provider = %s", cfg.STT.Provider)
	}
	if !cfg.STT.FallbackEnabled {
		t.Error("fallback should default to enabled")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxqueue.yaml")

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.STT.Provider = stt.ProviderGroq
	cfg.STT.Fallbacks = []string{stt.ProviderOpenAI}
	cfg.STT.Groq.Enabled = true
	cfg.STT.Groq.APIKey = "gk-test"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Config can carry API keys, so it must not be world-readable.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 0600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.LogLevel != "debug" || got.STT.Provider != stt.ProviderGroq {
		t.Errorf("got = %+v", got)
	}
	if got.STT.Groq.APIKey != "gk-test" {
		t.Error("API key did not round-trip")
	}
	if len(got.STT.Fallbacks) != 1 || got.STT.Fallbacks[0] != stt.ProviderOpenAI {
		t.Errorf("fallbacks = %v", got.STT.Fallbacks)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxqueue.yaml")
	if err := os.WriteFile(path, []byte("stt: [not: valid\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoadDerivesModelsDir(t *testing.T) {
	// A file that enables the local provider but omits modelsDir must get
	// the derived default — on first load and on every reload.
	path := filepath.Join(t.TempDir(), "voxqueue.yaml")
	if err := os.WriteFile(path, []byte("stt:\n  provider: whispercpp\n  whispercpp:\n    enabled: true\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.STT.WhisperCpp.ModelsDir == "" {
		t.Fatal("modelsDir not derived")
	}
	if filepath.Base(cfg.STT.WhisperCpp.ModelsDir) != "models" {
		t.Errorf("modelsDir = %s", cfg.STT.WhisperCpp.ModelsDir)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.STT.WhisperCpp.ModelsDir != cfg.STT.WhisperCpp.ModelsDir {
		t.Error("reload lost the derived modelsDir")
	}

	// An explicit value wins over the derived default.
	if err := os.WriteFile(path, []byte("stt:\n  whispercpp:\n    modelsDir: /opt/models\n"), 0600); err != nil {
		t.Fatal(err)
	}
	explicit, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if explicit.STT.WhisperCpp.ModelsDir != "/opt/models" {
		t.Errorf("explicit modelsDir overridden: %s", explicit.STT.WhisperCpp.ModelsDir)
	}
}

func TestDataDirOrDefault(t *testing.T) {
	cfg := Default()
	dir, err := cfg.DataDirOrDefault()
	if err != nil {
		t.Fatal(err)
	}
	if dir == "" {
		t.Error("expected a default data dir")
	}

	cfg.DataDir = "/var/lib/voxqueue"
	dir, err = cfg.DataDirOrDefault()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/var/lib/voxqueue" {
		t.Errorf("dir = %s", dir)
	}
}

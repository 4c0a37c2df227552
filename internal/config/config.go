// Package config loads and persists the voxqueue configuration file and
// watches it for live edits.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	. "github.com/voxqueue/voxqueue/internal/logging"
	"github.com/voxqueue/voxqueue/internal/paths"
	"github.com/voxqueue/voxqueue/internal/stt"
)

// Config is the full on-disk configuration.
type Config struct {
	LogLevel string     `yaml:"log_level,omitempty"` // trace|debug|info|warn|error
	DataDir  string     `yaml:"data_dir,omitempty"`  // defaults to ~/.voxqueue
	STT      stt.Config `yaml:"stt"`
}

// Default returns the configuration used when no file exists yet:
// local whisper inference with cloud fallback disabled until keys are set.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		STT: stt.Config{
			Provider:        stt.ProviderWhisperCpp,
			FallbackEnabled: true,
			Language:        "auto",
			WhisperCpp: stt.WhisperCppConfig{
				Enabled: true,
				Model:   "ggml-base.bin",
			},
		},
	}
}

// Load reads the config file at path. A missing file yields defaults
// without error; a malformed file is an error, not a silent fallback.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		L_debug("config: no file, using defaults", "path", path)
		return cfg.deriveDefaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	L_debug("config: loaded", "path", path)
	return cfg.deriveDefaults(), nil
}

// deriveDefaults fills fields whose defaults depend on other fields.
// Runs on every Load, so a live reload of a file that omits them gets
// the same values as startup.
func (c *Config) deriveDefaults() *Config {
	if c.STT.WhisperCpp.ModelsDir == "" {
		if dataDir, err := c.DataDirOrDefault(); err == nil {
			c.STT.WhisperCpp.ModelsDir = filepath.Join(dataDir, "models")
		}
	}
	return c
}

// Save writes the config atomically (temp file + rename, 0600 since it
// may hold API keys).
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := atomicWrite(path, data, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path)
	return nil
}

// DataDirOrDefault resolves the data directory, expanding a leading tilde.
func (c *Config) DataDirOrDefault() (string, error) {
	if c.DataDir == "" {
		return paths.BaseDir()
	}
	return paths.ExpandTilde(c.DataDir)
}

// atomicWrite writes data to path via a temp file in the same directory,
// so the rename is atomic and readers never see a partial file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".voxqueue-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp to target: %w", err)
	}

	success = true
	return nil
}

package stt

import (
	"fmt"
	"os"
	"strings"
)

// Provider kinds.
const (
	ProviderWhisperCpp = "whispercpp"
	ProviderOpenAI     = "openai"
	ProviderGroq       = "groq"
)

// Config holds STT configuration: which providers run, in what order, and
// the per-request defaults.
type Config struct {
	Provider        string   `yaml:"provider"`        // primary: "whispercpp", "openai", "groq"
	FallbackEnabled bool     `yaml:"fallbackEnabled"` // try other providers when the primary fails
	Fallbacks       []string `yaml:"fallbacks"`       // ordered fallback providers

	Language    string  `yaml:"language"`    // "en", "auto", ...
	Translate   bool    `yaml:"translate"`   // translate to English
	Timestamps  bool    `yaml:"timestamps"`  // segment timestamps in output
	Prompt      string  `yaml:"prompt"`      // optional priming prompt
	Temperature float64 `yaml:"temperature"` // 0 = provider default
	BeamSize    int     `yaml:"beamSize"`    // 0 = provider default

	WhisperCpp WhisperCppConfig `yaml:"whispercpp"` // Local whisper.cpp
	OpenAI     CloudConfig      `yaml:"openai"`     // OpenAI Whisper API
	Groq       CloudConfig      `yaml:"groq"`       // Groq Whisper API
}

// WhisperCppConfig holds configuration for the local whisper.cpp provider.
type WhisperCppConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ModelsDir string `yaml:"modelsDir"` // Directory containing whisper models
	Model     string `yaml:"model"`     // Model name (e.g. "ggml-base.en.bin")
	Threads   uint   `yaml:"threads"`   // Number of threads (0 = auto)
}

// CloudConfig holds configuration for an HTTP-based cloud provider.
type CloudConfig struct {
	Enabled    bool   `yaml:"enabled"`
	APIKey     string `yaml:"apiKey"`     // optional; falls back to the credential store
	Model      string `yaml:"model"`      // "" = provider default
	BaseURL    string `yaml:"baseURL"`    // "" = provider default endpoint
	TimeoutSec int    `yaml:"timeoutSec"` // per-request HTTP timeout (0 = 120)
	MaxRetries int    `yaml:"maxRetries"` // retry budget for transient errors (0 = 3)
}

// Settings builds per-request transcription settings from the config.
func (c Config) Settings() Settings {
	return Settings{
		Language:    c.Language,
		Translate:   c.Translate,
		Timestamps:  c.Timestamps,
		Prompt:      c.Prompt,
		Temperature: c.Temperature,
		BeamSize:    c.BeamSize,
	}
}

// ProviderOrder returns the priority-ordered provider list: the primary
// first, then each distinct fallback when fallback is enabled. With
// fallback disabled the list has exactly one entry (or none when no
// primary is set).
func (c Config) ProviderOrder() []string {
	var order []string
	seen := make(map[string]bool)

	if c.Provider != "" {
		order = append(order, c.Provider)
		seen[c.Provider] = true
	}
	if !c.FallbackEnabled {
		return order
	}
	for _, kind := range c.Fallbacks {
		if kind == "" || seen[kind] {
			continue
		}
		order = append(order, kind)
		seen[kind] = true
	}
	return order
}

// Credentials resolves API keys for cloud providers. The core never reads
// or writes raw secret material itself and never logs it.
type Credentials interface {
	// Get returns the credential for a provider kind, if present.
	Get(kind string) (string, bool)
}

// EnvCredentials resolves credentials from VOXQUEUE_<KIND>_API_KEY
// environment variables.
type EnvCredentials struct{}

// Get implements Credentials.
func (EnvCredentials) Get(kind string) (string, bool) {
	key := os.Getenv("VOXQUEUE_" + strings.ToUpper(kind) + "_API_KEY")
	return key, key != ""
}

// NewProvider creates a provider instance for the given kind from the
// current configuration. Dispatches to the appropriate constructor.
// Used by the registry; construction is the only place configuration is
// read, so a cached instance does not observe later config changes.
func NewProvider(kind string, cfg Config, creds Credentials) (Provider, error) {
	switch kind {
	case ProviderWhisperCpp:
		return NewWhisperCppProvider(cfg.WhisperCpp), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.OpenAI, creds), nil
	case ProviderGroq:
		return NewGroqProvider(cfg.Groq, creds), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %s", kind)
	}
}

// Package stt provides speech-to-text transcription for recorded audio.
//
// Every backend implements the Provider interface; the orchestrator walks
// a priority-ordered list of providers and falls back on failure.
package stt

import (
	"context"
	"time"
)

// Feature is an optional provider capability.
type Feature string

const (
	FeatureTimestamps        Feature = "timestamps"
	FeatureTranslation       Feature = "translation"
	FeatureLanguageDetection Feature = "language-detection"
)

// ProgressUpdate reports fine-grained transcription progress.
// Percent is in [0, 1] and non-decreasing within a single provider attempt.
type ProgressUpdate struct {
	Percent float64
	Stage   string
	// Offset is the position in the source audio the provider has reached,
	// when known. Zero for providers that only report lifecycle stages.
	Offset time.Duration
}

// ProgressFunc receives progress updates. Implementations must be safe to
// call from any goroutine: the local provider invokes it from whisper.cpp
// callback threads.
type ProgressFunc func(ProgressUpdate)

// Settings are the per-request transcription options.
// Constructed fresh per job from current configuration; immutable once a
// job starts.
type Settings struct {
	Language    string  // "en", "auto" for detection, "" for provider default
	Translate   bool    // translate to English instead of transcribing
	Timestamps  bool    // include segment timestamps in the output
	Prompt      string  // optional priming prompt
	Temperature float64 // sampling temperature, 0 = provider default
	BeamSize    int     // beam search width, 0 = provider default
}

// ValidationResult is the outcome of a configuration check.
// Errors carry Kinds so callers can decide whether to skip the provider
// without attempting a transcription.
type ValidationResult struct {
	Valid    bool
	Errors   []*Error
	Warnings []string
}

// Provider is the interface every STT backend implements.
type Provider interface {
	// Name returns the provider name (e.g. "whispercpp", "openai").
	Name() string

	// IsConfigured reports whether required credentials/model are present
	// and the provider is enabled. Local checks only - never network I/O.
	IsConfigured() bool

	// SupportedLanguages returns the language codes this provider accepts.
	SupportedLanguages() []string

	// SupportedFeatures declares optional capabilities so callers can gate
	// settings.
	SupportedFeatures() []Feature

	// ValidateConfiguration checks the configuration, optionally with a
	// cheap connectivity/auth probe. It must be idempotent and must not
	// touch the network when a required credential is absent.
	ValidateConfiguration(ctx context.Context) ValidationResult

	// Transcribe converts the audio file at audioPath to text.
	// Cancellation is cooperative via ctx. The progress callback may be
	// invoked zero or many times and a final call at 1.0 is not
	// guaranteed - the return value is authoritative.
	Transcribe(ctx context.Context, audioPath string, settings Settings, progress ProgressFunc) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// HasFeature reports whether a feature list contains f.
func HasFeature(features []Feature, f Feature) bool {
	for _, have := range features {
		if have == f {
			return true
		}
	}
	return false
}

package stt

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	. "github.com/voxqueue/voxqueue/internal/logging"
)

// Share of displayed progress allocated to the audio conversion stage;
// the remainder belongs to inference.
const conversionProgressShare = 0.1

// whisperLanguages are the language codes whisper models accept.
var whisperLanguages = []string{
	"auto", "en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr",
	"pl", "ca", "nl", "ar", "sv", "it", "id", "hi", "fi", "vi", "he",
	"uk", "el", "ms", "cs", "ro", "da", "hu", "ta", "no", "th", "ur",
	"hr", "bg", "lt", "la", "mi", "ml", "cy", "sk", "te", "fa", "lv",
	"bn", "sr", "az", "sl", "kn", "et", "mk", "br", "eu", "is", "hy",
	"ne", "mn", "bs", "kk", "sq", "sw", "gl", "mr", "pa", "si", "km",
	"sn", "yo", "so", "af", "oc", "ka", "be", "tg", "sd", "gu", "am",
	"yi", "lo", "uz", "fo", "ht", "ps", "tk", "nn", "mt", "sa", "lb",
	"my", "bo", "tl", "mg", "as", "tt", "haw", "ln", "ha", "ba", "jw",
	"su",
}

// WhisperCppProvider implements STT using whisper.cpp in-process.
// The ggml model is loaded lazily on first use so that construction stays
// cheap for the registry.
type WhisperCppProvider struct {
	cfg   WhisperCppConfig
	mu    sync.Mutex
	model whisper.Model
}

// NewWhisperCppProvider creates a new whisper.cpp STT provider.
func NewWhisperCppProvider(cfg WhisperCppConfig) *WhisperCppProvider {
	return &WhisperCppProvider{cfg: cfg}
}

// Name returns the provider name.
func (w *WhisperCppProvider) Name() string {
	return ProviderWhisperCpp
}

// IsConfigured reports whether the provider is enabled and the model file
// is present on disk. No model is loaded here.
func (w *WhisperCppProvider) IsConfigured() bool {
	return w.cfg.Enabled &&
		w.cfg.ModelsDir != "" &&
		w.cfg.Model != "" &&
		IsModelDownloaded(w.cfg.ModelsDir, w.cfg.Model)
}

// SupportedLanguages returns the whisper language set.
func (w *WhisperCppProvider) SupportedLanguages() []string {
	return whisperLanguages
}

// SupportedFeatures declares the local provider's capabilities.
func (w *WhisperCppProvider) SupportedFeatures() []Feature {
	return []Feature{FeatureTimestamps, FeatureTranslation, FeatureLanguageDetection}
}

// ValidateConfiguration checks that the model is configured and present.
// Purely local - never touches the network.
func (w *WhisperCppProvider) ValidateConfiguration(_ context.Context) ValidationResult {
	var result ValidationResult

	if !w.cfg.Enabled {
		result.Errors = append(result.Errors, E(KindNotConfigured, w.Name(), "provider disabled"))
		return result
	}
	if w.cfg.ModelsDir == "" || w.cfg.Model == "" {
		result.Errors = append(result.Errors, E(KindNotConfigured, w.Name(), "modelsDir and model must be set"))
		return result
	}
	if !IsModelDownloaded(w.cfg.ModelsDir, w.cfg.Model) {
		result.Errors = append(result.Errors,
			E(KindNotConfigured, w.Name(), "model not found at %s", filepath.Join(w.cfg.ModelsDir, w.cfg.Model)))
		return result
	}

	if GetModel(w.cfg.Model) == nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("model %s is not in the known catalog", w.cfg.Model))
	}

	result.Valid = true
	return result
}

// loadModel loads the ggml model on first use.
func (w *WhisperCppProvider) loadModel() (whisper.Model, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model != nil {
		return w.model, nil
	}

	modelPath := filepath.Join(w.cfg.ModelsDir, w.cfg.Model)
	L_info("stt: loading whisper.cpp model", "path", modelPath)

	start := time.Now()
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, WrapE(KindNotConfigured, w.Name(), fmt.Errorf("load whisper model: %w", err))
	}
	L_elapsed(start, "stt: whisper.cpp model loaded", "multilingual", model.IsMultilingual())

	w.model = model
	return model, nil
}

// Transcribe converts an audio file to text using whisper.cpp.
//
// Conversion fills the first 10% of reported progress, inference the rest.
// Cancellation is cooperative: an abort flag is polled by the native call
// at every encoder step; the flag is owned by this call and outlives the
// native invocation on every exit path. Callbacks arrive on foreign
// threads and are marshalled through a channel so no caller state is
// touched from C.
func (w *WhisperCppProvider) Transcribe(ctx context.Context, audioPath string, settings Settings, progress ProgressFunc) (string, error) {
	L_debug("stt: whisper.cpp transcribing", "file", audioPath)

	report := func(u ProgressUpdate) {
		if progress != nil {
			progress(u)
		}
	}

	samples, err := ConvertForInference(ctx, audioPath, func(p float64) {
		report(ProgressUpdate{Percent: p * conversionProgressShare, Stage: "converting"})
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", WrapE(KindCancelled, w.Name(), ctx.Err())
		}
		if KindOf(err) == KindAudioProcessing {
			return "", err
		}
		return "", WrapE(KindAudioProcessing, w.Name(), err)
	}

	totalDur := time.Duration(len(samples)) * time.Second / targetSampleRate
	L_debug("stt: audio converted", "samples", len(samples), "duration_sec", totalDur.Seconds())

	model, err := w.loadModel()
	if err != nil {
		return "", err
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", WrapE(KindAudioProcessing, w.Name(), fmt.Errorf("create whisper context: %w", err))
	}
	w.configureContext(wctx, settings)

	// Abort flag read by the encoder-begin callback on the native side.
	// It lives on this goroutine's stack frame for the whole native call.
	var aborted atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			aborted.Store(true)
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	// Progress/segment callbacks fire on whisper's worker threads; they
	// push into a buffered channel drained by a single goroutine so the
	// caller's ProgressFunc sees ordered, monotonic updates.
	updates := make(chan ProgressUpdate, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		best := 0.0
		for u := range updates {
			if u.Percent < best {
				u.Percent = best
			} else {
				best = u.Percent
			}
			report(u)
		}
	}()

	encoderBegin := func() bool {
		return !aborted.Load()
	}
	onSegment := func(seg whisper.Segment) {
		if totalDur <= 0 {
			return
		}
		pct := conversionProgressShare + (1-conversionProgressShare)*(float64(seg.End)/float64(totalDur))
		select {
		case updates <- ProgressUpdate{Percent: math.Min(pct, 1), Stage: "transcribing", Offset: seg.End}:
		default:
		}
	}
	onProgress := func(p int) {
		pct := conversionProgressShare + (1-conversionProgressShare)*float64(p)/100
		select {
		case updates <- ProgressUpdate{Percent: math.Min(pct, 1), Stage: "transcribing"}:
		default:
		}
	}

	processErr := wctx.Process(samples, encoderBegin, onSegment, onProgress)
	close(updates)
	<-drained

	if ctx.Err() != nil {
		return "", WrapE(KindCancelled, w.Name(), ctx.Err())
	}
	if processErr != nil {
		return "", WrapE(KindAudioProcessing, w.Name(), fmt.Errorf("whisper process: %w", processErr))
	}

	text, err := collectSegments(wctx, settings.Timestamps)
	if err != nil {
		return "", WrapE(KindAudioProcessing, w.Name(), err)
	}

	L_debug("stt: whisper.cpp transcription complete", "length", len(text))
	return text, nil
}

// configureContext applies per-request settings to a whisper context.
func (w *WhisperCppProvider) configureContext(wctx whisper.Context, settings Settings) {
	lang := settings.Language
	if lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			L_warn("stt: failed to set language", "language", lang, "error", err)
		}
	}
	if settings.Translate {
		wctx.SetTranslate(true)
	}
	if settings.Timestamps {
		wctx.SetTokenTimestamps(true)
	}
	if settings.Prompt != "" {
		wctx.SetInitialPrompt(settings.Prompt)
	}
	if settings.Temperature > 0 {
		wctx.SetTemperature(float32(settings.Temperature))
	}
	if settings.BeamSize > 0 {
		wctx.SetBeamSize(settings.BeamSize)
	}
	if w.cfg.Threads > 0 {
		wctx.SetThreads(w.cfg.Threads)
	}
}

// collectSegments drains the decoded segments into the final transcript.
func collectSegments(wctx whisper.Context, timestamps bool) (string, error) {
	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("get segment: %w", err)
		}
		if timestamps {
			fmt.Fprintf(&text, "[%s --> %s] %s\n",
				formatTimestamp(segment.Start), formatTimestamp(segment.End),
				strings.TrimSpace(segment.Text))
		} else {
			text.WriteString(segment.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// formatTimestamp renders a segment offset as hh:mm:ss.mmm.
func formatTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// Close releases the whisper model.
func (w *WhisperCppProvider) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.model == nil {
		return nil
	}
	L_debug("stt: closing whisper.cpp model")
	err := w.model.Close()
	w.model = nil
	return err
}

package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/voxqueue/voxqueue/internal/stt"
)

// fakeProvider scripts one provider's behavior for fallback scenarios.
type fakeProvider struct {
	name       string
	invalid    *stt.Error // ValidateConfiguration error, nil = valid
	text       string
	err        error
	progress   []stt.ProgressUpdate // updates emitted during Transcribe
	onCall     func()               // invoked at the start of Transcribe
	mu         sync.Mutex
	transcribe int // Transcribe call count
}

func (f *fakeProvider) Name() string                 { return f.name }
func (f *fakeProvider) IsConfigured() bool           { return f.invalid == nil }
func (f *fakeProvider) SupportedLanguages() []string { return nil }
func (f *fakeProvider) SupportedFeatures() []stt.Feature {
	return nil
}
func (f *fakeProvider) ValidateConfiguration(ctx context.Context) stt.ValidationResult {
	if f.invalid != nil {
		return stt.ValidationResult{Errors: []*stt.Error{f.invalid}}
	}
	return stt.ValidationResult{Valid: true}
}
func (f *fakeProvider) Transcribe(ctx context.Context, audioPath string, settings stt.Settings, progress stt.ProgressFunc) (string, error) {
	f.mu.Lock()
	f.transcribe++
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if err := ctx.Err(); err != nil {
		return "", stt.WrapE(stt.KindCancelled, f.name, err)
	}
	for _, u := range f.progress {
		if progress != nil {
			progress(u)
		}
	}
	return f.text, f.err
}
func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcribe
}

func registryOf(providers ...*fakeProvider) *stt.Registry {
	byName := make(map[string]*fakeProvider)
	for _, p := range providers {
		byName[p.name] = p
	}
	return stt.NewRegistry(func(kind string) (stt.Provider, error) {
		p, ok := byName[kind]
		if !ok {
			return nil, stt.E(stt.KindNotConfigured, kind, "unknown provider")
		}
		return p, nil
	})
}

func fallbackConfig(primary string, fallbacks ...string) stt.Config {
	return stt.Config{
		Provider:        primary,
		FallbackEnabled: true,
		Fallbacks:       fallbacks,
	}
}

func TestRunPrimarySuccess(t *testing.T) {
	a := &fakeProvider{name: "local", text: "transcript from local"}
	b := &fakeProvider{name: "cloud", text: "should not run"}
	o := New(registryOf(a, b))

	result, err := o.Run(context.Background(), "/audio.wav", fallbackConfig("local", "cloud"), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Text != "transcript from local" || result.Provider != "local" {
		t.Errorf("result = %+v", result)
	}
	if b.calls() != 0 {
		t.Error("fallback provider was called despite primary success")
	}
}

func TestRunFallsBackOnFailure(t *testing.T) {
	a := &fakeProvider{name: "local", err: stt.E(stt.KindAudioProcessing, "local", "decode failed")}
	b := &fakeProvider{name: "cloud", text: "hello world"}
	o := New(registryOf(a, b))

	result, err := o.Run(context.Background(), "/audio.wav", fallbackConfig("local", "cloud"), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Text != "hello world" || result.Provider != "cloud" {
		t.Errorf("result = %+v", result)
	}
	if a.calls() != 1 || b.calls() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", a.calls(), b.calls())
	}
}

func TestRunSkipsInvalidProviderWithoutCalling(t *testing.T) {
	a := &fakeProvider{
		name:    "openai",
		invalid: stt.E(stt.KindInvalidCredential, "openai", "bad key"),
		text:    "must not run",
	}
	b := &fakeProvider{name: "groq", text: "from groq"}
	o := New(registryOf(a, b))

	result, err := o.Run(context.Background(), "/audio.wav", fallbackConfig("openai", "groq"), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Provider != "groq" {
		t.Errorf("provider = %s, want groq", result.Provider)
	}
	if a.calls() != 0 {
		t.Error("invalid provider's Transcribe was called")
	}
}

func TestRunNoFallbackWhenDisabled(t *testing.T) {
	a := &fakeProvider{name: "local", err: stt.E(stt.KindNetwork, "local", "boom")}
	b := &fakeProvider{name: "cloud", text: "unreached"}
	o := New(registryOf(a, b))

	cfg := stt.Config{Provider: "local", FallbackEnabled: false, Fallbacks: []string{"cloud"}}
	_, err := o.Run(context.Background(), "/audio.wav", cfg, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if b.calls() != 0 {
		t.Error("fallback ran despite being disabled")
	}
}

func TestRunCancellationShortCircuits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeProvider{name: "local", onCall: cancel}
	b := &fakeProvider{name: "cloud", text: "unreached"}
	o := New(registryOf(a, b))

	_, err := o.Run(ctx, "/audio.wav", fallbackConfig("local", "cloud"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if stt.KindOf(err) != stt.KindCancelled {
		t.Errorf("kind = %s, want cancelled", stt.KindOf(err))
	}
	if b.calls() != 0 {
		t.Error("cancellation must not fall through to the next provider")
	}
}

func TestRunNoProviderConfigured(t *testing.T) {
	o := New(registryOf())
	_, err := o.Run(context.Background(), "/audio.wav", stt.Config{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if stt.KindOf(err) != stt.KindNoProviderConfigured {
		t.Errorf("kind = %s, want no_provider_configured", stt.KindOf(err))
	}
}

func TestRunExhaustionReturnsLastError(t *testing.T) {
	a := &fakeProvider{name: "local", err: stt.E(stt.KindAudioProcessing, "local", "first")}
	b := &fakeProvider{name: "cloud", err: stt.E(stt.KindProviderUnavailable, "cloud", "second")}
	o := New(registryOf(a, b))

	_, err := o.Run(context.Background(), "/audio.wav", fallbackConfig("local", "cloud"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if stt.KindOf(err) != stt.KindProviderUnavailable {
		t.Errorf("kind = %s, want the last provider's error", stt.KindOf(err))
	}
}

func TestRunProgressMonotonicPerAttempt(t *testing.T) {
	a := &fakeProvider{
		name: "local",
		err:  stt.E(stt.KindNetwork, "local", "fail after progress"),
		progress: []stt.ProgressUpdate{
			{Percent: 0.2, Stage: "converting"},
			{Percent: 0.1, Stage: "converting"}, // out of order, must clamp
			{Percent: 0.8, Stage: "transcribing"},
		},
	}
	b := &fakeProvider{
		name: "cloud",
		text: "done",
		progress: []stt.ProgressUpdate{
			{Percent: 0.05, Stage: "uploading"},
			{Percent: 0.7, Stage: "processing"},
		},
	}
	o := New(registryOf(a, b))

	var mu sync.Mutex
	var updates []stt.ProgressUpdate
	_, err := o.Run(context.Background(), "/audio.wav", fallbackConfig("local", "cloud"), func(u stt.ProgressUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(updates) != 5 {
		t.Fatalf("got %d updates, want 5", len(updates))
	}
	// Within the first attempt: 0.2, clamp(0.1 -> 0.2), 0.8
	if updates[1].Percent != 0.2 {
		t.Errorf("out-of-order update not clamped: %f", updates[1].Percent)
	}
	if updates[2].Percent != 0.8 {
		t.Errorf("updates[2] = %f", updates[2].Percent)
	}
	// Fallback attempt resets below the previous peak; the stage labels
	// name the new provider.
	if updates[3].Percent != 0.05 {
		t.Errorf("fallback attempt did not reset progress: %f", updates[3].Percent)
	}
	if updates[3].Stage != "cloud: uploading" {
		t.Errorf("stage = %q, want provider-prefixed", updates[3].Stage)
	}
	if updates[0].Stage != "local: converting" {
		t.Errorf("stage = %q, want provider-prefixed", updates[0].Stage)
	}
}

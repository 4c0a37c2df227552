package stt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWhisperCppValidateWithoutModel(t *testing.T) {
	p := NewWhisperCppProvider(WhisperCppConfig{
		Enabled:   true,
		ModelsDir: t.TempDir(),
		Model:     "ggml-base.bin",
	})

	result := p.ValidateConfiguration(context.Background())
	if result.Valid {
		t.Error("expected invalid when the model file is missing")
	}
	if len(result.Errors) == 0 || result.Errors[0].Kind != KindNotConfigured {
		t.Errorf("errors = %v, want not_configured", result.Errors)
	}
}

func TestWhisperCppValidateDisabled(t *testing.T) {
	p := NewWhisperCppProvider(WhisperCppConfig{Enabled: false})
	result := p.ValidateConfiguration(context.Background())
	if result.Valid {
		t.Error("disabled provider must not validate")
	}
	if p.IsConfigured() {
		t.Error("disabled provider reports configured")
	}
}

func TestWhisperCppValidateUnknownModelWarns(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "custom.bin"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	p := NewWhisperCppProvider(WhisperCppConfig{
		Enabled:   true,
		ModelsDir: dir,
		Model:     "custom.bin",
	})
	result := p.ValidateConfiguration(context.Background())
	if !result.Valid {
		t.Fatalf("expected valid with a present model file, got %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning for a model outside the catalog")
	}
}

func TestIsModelDownloaded(t *testing.T) {
	dir := t.TempDir()

	if IsModelDownloaded(dir, "ggml-base.bin") {
		t.Error("missing file reported as downloaded")
	}

	// An empty file is a failed download, not a usable model.
	empty := filepath.Join(dir, "ggml-empty.bin")
	os.WriteFile(empty, nil, 0600)
	if IsModelDownloaded(dir, "ggml-empty.bin") {
		t.Error("empty file reported as downloaded")
	}

	os.WriteFile(filepath.Join(dir, "ggml-base.bin"), []byte("weights"), 0600)
	if !IsModelDownloaded(dir, "ggml-base.bin") {
		t.Error("present model not detected")
	}
}

func TestGetModelCatalog(t *testing.T) {
	if GetModel("ggml-base.bin") == nil {
		t.Error("base model missing from catalog")
	}
	if GetModel("no-such-model.bin") != nil {
		t.Error("unknown model resolved")
	}
}

func TestFormatTimestamp(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00.000"},
		{1500 * time.Millisecond, "00:00:01.500"},
		{time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond, "01:02:03.045"},
	}
	for _, tc := range cases {
		if got := formatTimestamp(tc.d); got != tc.want {
			t.Errorf("formatTimestamp(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

package stt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMapStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{401, "", KindInvalidCredential},
		{402, "payment required", KindQuotaExceeded},
		{429, "rate limit reached", KindQuotaExceeded},
		{413, "", KindFileTooLarge},
		{422, "unsupported language 'xx'", KindUnsupportedLanguage},
		{422, "missing field", KindNetwork},
		{500, "internal error", KindProviderUnavailable},
		{503, "overloaded", KindProviderUnavailable},
		{400, "bad request", KindNetwork},
		{418, "teapot", KindNetwork},
	}

	for _, tc := range cases {
		got := MapStatus("openai", tc.status, []byte(tc.body))
		if got.Kind != tc.want {
			t.Errorf("MapStatus(%d, %q) = %s, want %s", tc.status, tc.body, got.Kind, tc.want)
		}
		if got.Status != tc.status {
			t.Errorf("MapStatus(%d) status = %d", tc.status, got.Status)
		}
	}
}

// Every status code must land on some kind; the mapping has no gaps.
func TestMapStatusTotal(t *testing.T) {
	for status := 100; status < 600; status++ {
		got := MapStatus("groq", status, nil)
		if got == nil || got.Kind == "" {
			t.Fatalf("MapStatus(%d) returned no kind", status)
		}
	}
}

func TestKindOfContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := KindOf(ctx.Err()); got != KindCancelled {
		t.Errorf("KindOf(context.Canceled) = %s, want %s", got, KindCancelled)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel2()
	<-ctx2.Done()
	if got := KindOf(ctx2.Err()); got != KindCancelled {
		t.Errorf("KindOf(DeadlineExceeded) = %s, want %s", got, KindCancelled)
	}
}

func TestKindOfWrappedError(t *testing.T) {
	base := E(KindQuotaExceeded, "openai", "quota")
	wrapped := fmt.Errorf("transcription failed: %w", base)
	if got := KindOf(wrapped); got != KindQuotaExceeded {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindQuotaExceeded)
	}
}

func TestKindOfMessageFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"Invalid API key provided", KindInvalidCredential},
		{"rate limit exceeded for model", KindQuotaExceeded},
		{"request entity too large", KindFileTooLarge},
		{"failed to decode audio stream", KindAudioProcessing},
		{"dial tcp: connection refused", KindNetwork},
		{"service unavailable", KindProviderUnavailable},
	}
	for _, tc := range cases {
		if got := KindOf(errors.New(tc.msg)); got != tc.want {
			t.Errorf("KindOf(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	notRetryable := []Kind{
		KindInvalidCredential, KindFileTooLarge, KindUnsupportedLanguage,
		KindNotConfigured, KindCancelled, KindNoProviderConfigured,
	}
	for _, kind := range notRetryable {
		if Retryable(kind) {
			t.Errorf("Retryable(%s) = true, want false", kind)
		}
	}

	retryable := []Kind{KindNetwork, KindProviderUnavailable, KindQuotaExceeded}
	for _, kind := range retryable {
		if !Retryable(kind) {
			t.Errorf("Retryable(%s) = false, want true", kind)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	if got := backoffDelay(1); got != 2*time.Second {
		t.Errorf("backoffDelay(1) = %v, want 2s", got)
	}
	if got := backoffDelay(3); got != 8*time.Second {
		t.Errorf("backoffDelay(3) = %v, want 8s", got)
	}
	if got := backoffDelay(10); got != maxBackoff {
		t.Errorf("backoffDelay(10) = %v, want cap %v", got, maxBackoff)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := WrapE(KindNetwork, "groq", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestSummaryShortAndStable(t *testing.T) {
	err := E(KindQuotaExceeded, "openai", "quota details that should not surface verbatim")
	got := Summary(err)
	if got == "" || len(got) > 120 {
		t.Errorf("Summary length out of range: %q", got)
	}
	if got != Summary(err) {
		t.Error("Summary not stable across calls")
	}
}

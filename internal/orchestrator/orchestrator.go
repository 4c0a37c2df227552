// Package orchestrator drives a single transcription job through a
// priority-ordered provider list with fallback, progress aggregation and
// cooperative cancellation.
package orchestrator

import (
	"context"

	. "github.com/voxqueue/voxqueue/internal/logging"
	"github.com/voxqueue/voxqueue/internal/stt"
)

// Result is a successful transcription outcome.
type Result struct {
	Text     string
	Provider string // provider that produced the text
}

// Orchestrator selects and drives providers for one job at a time.
// It is reentrant; the worker loop chooses not to reenter it.
type Orchestrator struct {
	registry *stt.Registry
}

// New creates an orchestrator backed by the given provider registry.
func New(registry *stt.Registry) *Orchestrator {
	return &Orchestrator{registry: registry}
}

// Run transcribes the audio file using the configured provider order.
//
// Each provider is validated before its transcription is attempted;
// invalid providers are skipped without a call. The first success wins.
// A cancellation short-circuits the whole loop; any other failure falls
// through to the next provider when fallback is enabled, and the last
// observed error becomes the job's failure when the list is exhausted.
//
// Progress forwarded to the caller is monotonic within one provider
// attempt; when a fallback provider starts, progress resets near zero
// with a stage label naming the new provider. That reset is the visible
// "retrying with X" signal, not a smoothed average.
func (o *Orchestrator) Run(ctx context.Context, audioPath string, cfg stt.Config, progress stt.ProgressFunc) (Result, error) {
	order := cfg.ProviderOrder()
	if len(order) == 0 {
		return Result{}, stt.E(stt.KindNoProviderConfigured, "", "no provider configured")
	}
	settings := cfg.Settings()

	var lastErr error
	for i, kind := range order {
		if err := ctx.Err(); err != nil {
			return Result{}, stt.WrapE(stt.KindCancelled, kind, err)
		}

		text, err := o.attempt(ctx, i, kind, audioPath, settings, progress)
		if err == nil {
			L_info("orchestrator: transcription succeeded", "provider", kind, "length", len(text))
			return Result{Text: text, Provider: kind}, nil
		}

		errKind := stt.KindOf(err)
		if errKind == stt.KindCancelled {
			// No provider after a cancellation is attempted.
			return Result{}, err
		}
		lastErr = err
		L_warn("orchestrator: provider failed", "provider", kind, "kind", errKind, "error", err)

		if !cfg.FallbackEnabled {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

// attempt runs one provider at position idx in the order. The provider
// lease is held for the duration of the attempt and released here, so a
// registry invalidation during the call cannot close the instance under
// the transcription.
func (o *Orchestrator) attempt(ctx context.Context, idx int, kind, audioPath string, settings stt.Settings, progress stt.ProgressFunc) (string, error) {
	provider, err := o.registry.Get(kind)
	if err != nil {
		L_warn("orchestrator: provider unavailable", "kind", kind, "error", err)
		return "", err
	}
	defer o.registry.Put(provider)

	validation := provider.ValidateConfiguration(ctx)
	if !validation.Valid {
		// Skipping avoids a doomed attempt and a misleading low-level
		// error from deeper in the provider.
		L_info("orchestrator: skipping invalid provider", "kind", kind, "errors", validationErrors(validation))
		if len(validation.Errors) > 0 {
			return "", validation.Errors[0]
		}
		return "", stt.E(stt.KindNotConfigured, kind, "configuration invalid")
	}
	for _, warning := range validation.Warnings {
		L_warn("orchestrator: provider warning", "kind", kind, "warning", warning)
	}

	if idx > 0 {
		L_info("orchestrator: falling back", "provider", kind)
	}

	return provider.Transcribe(ctx, audioPath, settings, attemptProgress(kind, progress))
}

// attemptProgress wraps the caller's progress callback for one provider
// attempt: percentages are clamped monotonic non-decreasing and the stage
// label is prefixed with the provider name. A fresh wrapper per attempt
// gives fallback its sanctioned reset to a lower percentage.
func attemptProgress(kind string, progress stt.ProgressFunc) stt.ProgressFunc {
	if progress == nil {
		return nil
	}
	best := 0.0
	return func(u stt.ProgressUpdate) {
		if u.Percent < best {
			u.Percent = best
		} else {
			best = u.Percent
		}
		u.Stage = kind + ": " + u.Stage
		progress(u)
	}
}

func validationErrors(v stt.ValidationResult) string {
	if len(v.Errors) == 0 {
		return ""
	}
	s := ""
	for i, e := range v.Errors {
		if i > 0 {
			s += "; "
		}
		s += e.Error()
	}
	return s
}

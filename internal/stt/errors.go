package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes transcription errors for retry and fallback decisions.
type Kind string

const (
	KindNotConfigured        Kind = "not_configured"
	KindInvalidCredential    Kind = "invalid_credential"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindFileTooLarge         Kind = "file_too_large"
	KindUnsupportedLanguage  Kind = "unsupported_language"
	KindNetwork              Kind = "network"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindAudioProcessing      Kind = "audio_processing"
	KindCancelled            Kind = "cancelled"
	KindNoProviderConfigured Kind = "no_provider_configured"
)

// Error is a classified transcription error.
// Status carries the HTTP status code for cloud provider errors (0 otherwise).
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs a classified error with a formatted message.
func E(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps an underlying error with a classification.
func WrapE(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf classifies any error into a Kind.
// Context cancellation always wins; unclassified errors fall back to
// message matching, defaulting to a generic network error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return classifyMessage(err.Error())
}

// Retryable reports whether the same provider may retry after this kind.
// Non-retryable kinds still permit fallback to a different provider,
// except Cancelled which aborts the whole run.
func Retryable(kind Kind) bool {
	switch kind {
	case KindInvalidCredential, KindFileTooLarge, KindUnsupportedLanguage,
		KindNotConfigured, KindCancelled, KindNoProviderConfigured:
		return false
	default:
		return true
	}
}

// MapStatus converts an HTTP response status into a classified error.
// The mapping is total: every status code lands on a Kind.
func MapStatus(provider string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}

	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindInvalidCredential, Provider: provider, Status: status, Message: "invalid API key"}
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return &Error{Kind: KindQuotaExceeded, Provider: provider, Status: status, Message: msg}
	case status == http.StatusRequestEntityTooLarge:
		return &Error{Kind: KindFileTooLarge, Provider: provider, Status: status, Message: "audio file exceeds provider limit"}
	case status == http.StatusUnprocessableEntity:
		// 422 is either an unsupported language or a malformed request;
		// the body text disambiguates.
		if strings.Contains(strings.ToLower(msg), "language") {
			return &Error{Kind: KindUnsupportedLanguage, Provider: provider, Status: status, Message: msg}
		}
		return &Error{Kind: KindNetwork, Provider: provider, Status: status, Message: msg}
	case status >= 500:
		return &Error{Kind: KindProviderUnavailable, Provider: provider, Status: status, Message: msg}
	default:
		return &Error{Kind: KindNetwork, Provider: provider, Status: status, Message: msg}
	}
}

// classifyMessage guesses a Kind from an error message.
// Used for errors that arrive unclassified (transport failures, wrapped
// library errors). Check order matters: more specific patterns first.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "cancel"):
		return KindCancelled
	case strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "invalid credentials"):
		return KindInvalidCredential
	case strings.Contains(lower, "quota"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return KindQuotaExceeded
	case strings.Contains(lower, "too large"),
		strings.Contains(lower, "request entity too large"):
		return KindFileTooLarge
	case strings.Contains(lower, "unsupported language"),
		strings.Contains(lower, "invalid language"):
		return KindUnsupportedLanguage
	case strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "service unavailable"),
		strings.Contains(lower, "bad gateway"):
		return KindProviderUnavailable
	case strings.Contains(lower, "decode"),
		strings.Contains(lower, "unsupported audio"),
		strings.Contains(lower, "no audio samples"):
		return KindAudioProcessing
	default:
		return KindNetwork
	}
}

// Summary returns a short human-readable description suitable for display.
// Full detail stays on the error chain for logging.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		switch te.Kind {
		case KindNotConfigured:
			return "Provider is not configured"
		case KindInvalidCredential:
			return "Invalid API key - check provider credentials"
		case KindQuotaExceeded:
			return "Provider quota exceeded - try again later"
		case KindFileTooLarge:
			return "Audio file is too large for this provider"
		case KindUnsupportedLanguage:
			return "Language not supported by this provider"
		case KindProviderUnavailable:
			return "Provider is temporarily unavailable"
		case KindAudioProcessing:
			return "Could not process the audio file"
		case KindCancelled:
			return "Transcription cancelled"
		case KindNoProviderConfigured:
			return "No transcription provider configured"
		default:
			return "Network error during transcription"
		}
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

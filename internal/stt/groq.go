package stt

// groqMaxFileBytes is the upload ceiling for Groq's free-tier audio
// endpoint.
const groqMaxFileBytes = 25 * 1024 * 1024

// GroqProvider implements STT using Groq's Whisper API.
// Groq exposes an OpenAI-compatible endpoint, so it shares the multipart
// core and differs only in endpoint and default model.
type GroqProvider struct {
	*cloudProvider
}

// NewGroqProvider creates a new Groq Whisper STT provider.
func NewGroqProvider(cfg CloudConfig, creds Credentials) *GroqProvider {
	return &GroqProvider{
		cloudProvider: newCloudProvider(
			ProviderGroq,
			"https://api.groq.com/openai/v1",
			"whisper-large-v3",
			groqMaxFileBytes,
			whisperLanguages,
			cfg,
			creds,
		),
	}
}

package stt

// openAIMaxFileBytes is the documented upload ceiling for the OpenAI
// transcription endpoint.
const openAIMaxFileBytes = 25 * 1024 * 1024

// OpenAIProvider implements STT using OpenAI's Whisper API.
type OpenAIProvider struct {
	*cloudProvider
}

// NewOpenAIProvider creates a new OpenAI Whisper STT provider.
func NewOpenAIProvider(cfg CloudConfig, creds Credentials) *OpenAIProvider {
	return &OpenAIProvider{
		cloudProvider: newCloudProvider(
			ProviderOpenAI,
			"https://api.openai.com/v1",
			"whisper-1",
			openAIMaxFileBytes,
			whisperLanguages,
			cfg,
			creds,
		),
	}
}

package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/voxqueue/voxqueue/internal/logging"
)

const (
	defaultCloudTimeout = 120 * time.Second
	defaultMaxRetries   = 3
	maxBackoff          = 10 * time.Second
)

// cloudProvider is the shared core for HTTP multipart transcription APIs
// (OpenAI, Groq). Both speak the same /audio/transcriptions contract; only
// the endpoint, default model and size ceiling differ.
type cloudProvider struct {
	name         string
	baseURL      string
	defaultModel string
	maxFileBytes int64
	languages    []string
	cfg          CloudConfig
	creds        Credentials
	client       *http.Client
}

func newCloudProvider(name, baseURL, defaultModel string, maxFileBytes int64, languages []string, cfg CloudConfig, creds Credentials) *cloudProvider {
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	timeout := defaultCloudTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	if cfg.Model != "" {
		defaultModel = cfg.Model
	}
	return &cloudProvider{
		name:         name,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: defaultModel,
		maxFileBytes: maxFileBytes,
		languages:    languages,
		cfg:          cfg,
		creds:        creds,
		client:       &http.Client{Timeout: timeout},
	}
}

// apiKey resolves the credential: explicit config first, then the
// credential store. The key itself is never logged.
func (c *cloudProvider) apiKey() (string, bool) {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey, true
	}
	if c.creds == nil {
		return "", false
	}
	return c.creds.Get(c.name)
}

func (c *cloudProvider) maxRetries() int {
	if c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	return defaultMaxRetries
}

// Name returns the provider name.
func (c *cloudProvider) Name() string {
	return c.name
}

// IsConfigured checks credential presence and the enabled flag only.
func (c *cloudProvider) IsConfigured() bool {
	if !c.cfg.Enabled {
		return false
	}
	_, ok := c.apiKey()
	return ok
}

// SupportedLanguages returns the language codes the API accepts.
func (c *cloudProvider) SupportedLanguages() []string {
	return c.languages
}

// SupportedFeatures declares the cloud API's capabilities.
func (c *cloudProvider) SupportedFeatures() []Feature {
	return []Feature{FeatureTranslation, FeatureLanguageDetection}
}

// ValidateConfiguration probes the endpoint with a deliberately malformed
// minimal request: a 401 means the credential is bad, while 400/422 means
// the credential was accepted and only the request shape was rejected.
// No network call happens when the credential is absent.
func (c *cloudProvider) ValidateConfiguration(ctx context.Context) ValidationResult {
	var result ValidationResult

	if !c.cfg.Enabled {
		result.Errors = append(result.Errors, E(KindNotConfigured, c.name, "provider disabled"))
		return result
	}
	key, ok := c.apiKey()
	if !ok {
		result.Errors = append(result.Errors, E(KindNotConfigured, c.name, "missing credential"))
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", strings.NewReader(""))
	if err != nil {
		result.Errors = append(result.Errors, WrapE(KindNetwork, c.name, err))
		return result
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, WrapE(KindCancelled, c.name, ctx.Err()))
		} else {
			result.Errors = append(result.Errors, WrapE(KindNetwork, c.name, fmt.Errorf("connectivity probe: %w", err)))
		}
		return result
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		result.Errors = append(result.Errors, MapStatus(c.name, resp.StatusCode, body))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		// Credential valid, request shape rejected as expected.
		result.Valid = true
	case resp.StatusCode >= 500:
		result.Errors = append(result.Errors, MapStatus(c.name, resp.StatusCode, body))
	default:
		result.Valid = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unexpected probe status %d", resp.StatusCode))
	}
	return result
}

// Transcribe uploads the audio file and returns the transcript.
//
// Transient failures are retried with exponential backoff
// (min(2^attempt, 10) seconds); invalid-credential, file-too-large and
// unsupported-language errors abort the retry loop immediately.
func (c *cloudProvider) Transcribe(ctx context.Context, audioPath string, settings Settings, progress ProgressFunc) (string, error) {
	key, ok := c.apiKey()
	if !ok {
		return "", E(KindNotConfigured, c.name, "missing credential")
	}

	info, err := os.Stat(audioPath)
	if err != nil {
		return "", WrapE(KindAudioProcessing, c.name, fmt.Errorf("stat audio file: %w", err))
	}
	if info.Size() > c.maxFileBytes {
		// Fail fast: a larger file will not succeed on retry.
		return "", E(KindFileTooLarge, c.name, "file is %d MB, limit is %d MB",
			info.Size()/(1024*1024), c.maxFileBytes/(1024*1024))
	}

	report := func(u ProgressUpdate) {
		if progress != nil {
			progress(u)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return "", WrapE(KindCancelled, c.name, err)
		}
		if attempt > 0 {
			backoff := backoffDelay(attempt)
			L_debug("stt: retrying after backoff", "provider", c.name, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", WrapE(KindCancelled, c.name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		report(ProgressUpdate{Percent: 0.05, Stage: "uploading"})
		text, err := c.upload(ctx, key, audioPath, settings, report)
		if err == nil {
			return text, nil
		}

		kind := KindOf(err)
		if kind == KindCancelled {
			return "", err
		}
		lastErr = err
		if !Retryable(kind) {
			L_debug("stt: error is not retryable", "provider", c.name, "kind", kind)
			return "", err
		}
		L_warn("stt: attempt failed", "provider", c.name, "attempt", attempt, "error", err)
	}
	return "", lastErr
}

// backoffDelay returns min(2^attempt, 10) seconds.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// upload performs a single multipart request.
func (c *cloudProvider) upload(ctx context.Context, key, audioPath string, settings Settings, report ProgressFunc) (string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return "", WrapE(KindAudioProcessing, c.name, fmt.Errorf("open audio file: %w", err))
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", WrapE(KindNetwork, c.name, fmt.Errorf("create form file: %w", err))
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", WrapE(KindAudioProcessing, c.name, fmt.Errorf("copy file to form: %w", err))
	}

	fields := map[string]string{
		"model":           c.defaultModel,
		"response_format": "text",
	}
	// Translation requests target /audio/translations and always output
	// English, so the language field is omitted.
	endpoint := c.baseURL + "/audio/transcriptions"
	if settings.Translate {
		endpoint = c.baseURL + "/audio/translations"
	} else if settings.Language != "" && settings.Language != "auto" {
		fields["language"] = settings.Language
	}
	if settings.Prompt != "" {
		fields["prompt"] = settings.Prompt
	}
	if settings.Temperature > 0 {
		fields["temperature"] = fmt.Sprintf("%g", settings.Temperature)
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return "", WrapE(KindNetwork, c.name, fmt.Errorf("write %s field: %w", name, err))
		}
	}
	if err := writer.Close(); err != nil {
		return "", WrapE(KindNetwork, c.name, fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", WrapE(KindNetwork, c.name, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	L_debug("stt: sending to cloud API", "provider", c.name, "url", endpoint, "model", c.defaultModel)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", WrapE(KindCancelled, c.name, ctx.Err())
		}
		return "", WrapE(KindNetwork, c.name, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	report(ProgressUpdate{Percent: 0.7, Stage: "processing"})

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", WrapE(KindNetwork, c.name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		L_error("stt: cloud request failed", "provider", c.name, "status", resp.StatusCode, "body", string(body))
		mapped := MapStatus(c.name, resp.StatusCode, body)
		// API error payloads carry a cleaner message than the raw body.
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			mapped.Message = errResp.Error.Message
		}
		return "", mapped
	}

	// Response is plain text when response_format=text
	result := strings.TrimSpace(string(body))
	L_debug("stt: cloud transcription complete", "provider", c.name, "length", len(result))
	return result, nil
}

// Close releases any resources (none for HTTP providers).
func (c *cloudProvider) Close() error {
	return nil
}

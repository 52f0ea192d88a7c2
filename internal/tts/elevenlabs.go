package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"

// ElevenLabsClient implements the Client interface using ElevenLabs' API.
type ElevenLabsClient struct {
	apiKey       string
	baseURL      string
	voiceID      string
	modelID      string
	languageCode string
	outputFormat string
	stability    float64
	similarity   float64
	httpClient   *http.Client
}

// ElevenLabsConfig holds configuration for the ElevenLabs client.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string  // defaults to the public API
	VoiceID      string  // ElevenLabs voice ID
	ModelID      string  // e.g., "eleven_flash_v2_5" for low latency
	LanguageCode string  // ISO 639-1, e.g., "pt"
	OutputFormat string  // e.g., "mp3_44100_128" for browser playback
	Stability    float64 // 0.0-1.0, negative for default
	Similarity   float64 // 0.0-1.0, negative for default
	HTTPClient   *http.Client
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsAPIURL
	}
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "eleven_flash_v2_5" // Low latency model with Portuguese support
	}
	voiceID := cfg.VoiceID
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel - default voice
	}
	outputFormat := cfg.OutputFormat
	if outputFormat == "" {
		outputFormat = "mp3_44100_128"
	}
	// 0.0 is a valid setting, so only negative values select the defaults
	stability := cfg.Stability
	if stability < 0 {
		stability = 0.5
	}
	similarity := cfg.Similarity
	if similarity < 0 {
		similarity = 0.75
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ElevenLabsClient{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		voiceID:      voiceID,
		modelID:      modelID,
		languageCode: cfg.LanguageCode,
		outputFormat: outputFormat,
		stability:    stability,
		similarity:   similarity,
		httpClient:   httpClient,
	}
}

// OutputFormat returns the audio format the client produces.
func (c *ElevenLabsClient) OutputFormat() string {
	return c.outputFormat
}

// ttsRequest represents an ElevenLabs TTS request.
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	LanguageCode  string        `json:"language_code,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// post sends a synthesis request to path and returns the successful response.
func (c *ElevenLabsClient) post(ctx context.Context, path, text string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/%s%s?output_format=%s", c.baseURL, c.voiceID, path, url.QueryEscape(c.outputFormat))

	body, err := json.Marshal(ttsRequest{
		Text:         text,
		ModelID:      c.modelID,
		LanguageCode: c.languageCode,
		VoiceSettings: voiceSettings{
			Stability:       c.stability,
			SimilarityBoost: c.similarity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ElevenLabs API error: %s - %s", resp.Status, string(respBody))
	}
	return resp, nil
}

// Synthesize converts text to speech and returns the encoded audio.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.post(ctx, "", text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// SynthesizeStream converts text to speech and streams audio chunks.
func (c *ElevenLabsClient) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	resp, err := c.post(ctx, "/stream", text)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 100)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// 4 KiB keeps websocket frames small while mp3 frames arrive
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return ch, nil
}

// Package tts provides the client for the zero-shot speech synthesis model server.
//
// The model server receives the text together with the voice's reference audio and
// reference text, and streams back framed float32 audio. When the server reports the
// speaker embedding it used, the client surfaces it so the caller can cache it and
// send it back on later requests.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/book-expert/voice-service/internal/core"
)

// API endpoints and paths.
const (
	apiZeroShot = "/v1/inference/zero-shot"
	apiHealth   = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerSampleRate  = "X-Sample-Rate"
	contentTypeJSON   = "application/json"
	contentTypeFrames = "application/octet-stream"
)

// Default values.
const (
	DefaultSampleRate    = 24000
	defaultHealthTimeout = 10 * time.Second
)

// Error messages.
const (
	errTextCannotBeEmpty       = "text cannot be empty"
	errFmtUnexpectedType       = "unexpected content type: expected %s, got %s"
	errFmtServiceErrorWithCode = "synthesis service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "synthesis service returned non-OK status: %s, body: %s"
)

var (
	// ErrGenerationFailed indicates the model server rejected or failed a request.
	ErrGenerationFailed = errors.New("speech generation failed")
	// ErrUnhealthy indicates a failed health check.
	ErrUnhealthy = errors.New("synthesis service is unhealthy")
)

// HTTPBackend is a core.SynthesizeBackend backed by the model server's HTTP API.
type HTTPBackend struct {
	httpClient    *http.Client
	baseURL       string
	healthTimeout time.Duration
	sampleRate    atomic.Int64
}

// ZeroShotRequest defines the JSON payload for a zero-shot synthesis request.
type ZeroShotRequest struct {
	// Text is the text to speak.
	Text string `json:"text"`

	// PromptText is the transcript of the reference audio.
	PromptText string `json:"prompt_text"`

	// PromptAudio holds the reference audio bytes (base64 in JSON).
	PromptAudio []byte `json:"prompt_audio"`

	// PromptAudioName carries the reference file name so the server can infer its codec.
	PromptAudioName string `json:"prompt_audio_name"`

	Speed  float64 `json:"speed"`
	Stream bool    `json:"stream"`

	// SpeakerEmbedding lets the server skip speaker feature extraction.
	SpeakerEmbedding []float32 `json:"speaker_embedding,omitempty"`
}

// HealthResponse is the model server's health document.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	SampleRate  int    `json:"sample_rate"`
}

// ErrorResponse represents a structured error response from the model server.
type ErrorResponse struct {
	// Detail contains a human-readable error description.
	Detail string `json:"detail"`

	// ErrorCode provides a machine-readable error classification.
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPBackend creates a backend for the model server at baseURL, e.g.
// "http://localhost:50000". Generation requests are bounded by their context only,
// since streamed responses may legitimately run long; healthTimeout bounds Ready.
func NewHTTPBackend(baseURL string, healthTimeout time.Duration, sampleRate int) *HTTPBackend {
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}

	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	backend := &HTTPBackend{
		httpClient:    &http.Client{},
		baseURL:       baseURL,
		healthTimeout: healthTimeout,
	}
	backend.sampleRate.Store(int64(sampleRate))

	return backend
}

// SampleRate returns the sample rate of generated audio.
func (c *HTTPBackend) SampleRate() int {
	return int(c.sampleRate.Load())
}

// Generate sends a zero-shot request and returns a stream over the response frames.
func (c *HTTPBackend) Generate(ctx context.Context, req core.GenerateRequest) (core.ChunkStream, error) {
	if req.Text == "" {
		return nil, errors.New(errTextCannotBeEmpty)
	}

	promptAudio, err := os.ReadFile(req.ReferenceAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference audio: %w", err)
	}

	requestBody, err := json.Marshal(ZeroShotRequest{
		Text:             req.Text,
		PromptText:       req.ReferenceText,
		PromptAudio:      promptAudio,
		PromptAudioName:  filepath.Base(req.ReferenceAudio),
		Speed:            req.Speed,
		Stream:           req.Streaming,
		SpeakerEmbedding: req.SpeakerEmbedding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiZeroShot,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeFrames)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to synthesis service at %s: %w", c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeFrames {
		resp.Body.Close()

		return nil, fmt.Errorf(errFmtUnexpectedType, contentTypeFrames, contentType)
	}

	c.observeSampleRate(resp.Header.Get(headerSampleRate))

	return newFrameStream(resp.Body), nil
}

func (c *HTTPBackend) observeSampleRate(value string) {
	rate, err := strconv.Atoi(value)
	if err == nil && rate > 0 {
		c.sampleRate.Store(int64(rate))
	}
}

// Ready verifies that the model server is up and has its model loaded, and records
// the sample rate it reports.
func (c *HTTPBackend) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnhealthy, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return core.ErrModelNotLoaded
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrUnhealthy, resp.Status)
	}

	var health HealthResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&health)
	if decodeErr != nil {
		return fmt.Errorf("%w: invalid health response: %w", ErrUnhealthy, decodeErr)
	}

	if !health.ModelLoaded {
		return core.ErrModelNotLoaded
	}

	if health.SampleRate > 0 {
		c.sampleRate.Store(int64(health.SampleRate))
	}

	return nil
}

// parseErrorResponse attempts to decode a structured JSON error from the service.
// If structured parsing fails, it falls back to returning the raw response body.
func (c *HTTPBackend) parseErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusServiceUnavailable {
		return core.ErrModelNotLoaded
	}

	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("%w: "+errFmtServiceErrorWithCode,
			ErrGenerationFailed, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf("%w: "+errFmtServiceNonOKStatus, ErrGenerationFailed, resp.Status, string(body))
}

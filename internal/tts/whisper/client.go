// Package whisper transcribes reference audio through an OpenAI-compatible
// transcription endpoint (OpenAI itself, or a self-hosted Whisper server).
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults.
const (
	DefaultModel   = "whisper-1"
	defaultTimeout = 60 * time.Second
	tagSuffix      = "|>"
)

// Error messages.
const (
	errFailedToOpenFile = "failed to open audio file: %w"
	errTranscription    = "transcription request failed: %w"
)

var (
	// ErrEmptyTranscript indicates the service returned no usable text.
	ErrEmptyTranscript = errors.New("transcription is empty")
)

// Config configures the client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Language   string
	Timeout    time.Duration
	MaxRetries int
}

// Client provides Whisper transcription. It implements core.Transcriber.
type Client struct {
	client   openai.Client
	model    string
	language string
}

// NewClient creates a transcription client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		language: cfg.Language,
	}
}

// Transcribe returns the spoken text of the audio file at audioPath.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf(errFailedToOpenFile, err)
	}
	defer file.Close()

	params := openai.AudioTranscriptionNewParams{
		File:  file,
		Model: openai.AudioModel(c.model),
	}
	if c.language != "" {
		params.Language = openai.String(c.language)
	}

	transcription, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf(errTranscription, err)
	}

	text := CleanTranscript(transcription.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}

	return text, nil
}

// CleanTranscript strips leading control tags such as "<|en|><|NEUTRAL|>" that some
// speech recognizers prepend, and trims whitespace.
func CleanTranscript(text string) string {
	if idx := strings.LastIndex(text, tagSuffix); idx >= 0 && strings.HasPrefix(strings.TrimSpace(text), "<|") {
		text = text[idx+len(tagSuffix):]
	}

	return strings.TrimSpace(text)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/server"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagVoiceDesc   = "Voice id to speak with"
	flagOutputDesc  = "Output file path (.wav, or raw .pcm with --stream)"
	flagStreamDesc  = "Request a raw PCM stream instead of a WAV file"
	flagSpeedDesc   = "Speaking rate; 0 uses the server default"
	flagServerDesc  = "Base URL of the voice service"
	flagHealthDesc  = "Check voice service health and exit"
	flagTimeoutDesc = "Request timeout"
)

// Flag names.
const (
	flagText    = "text"
	flagVoice   = "voice"
	flagOutput  = "output"
	flagStream  = "stream"
	flagSpeed   = "speed"
	flagServer  = "server"
	flagHealth  = "health"
	flagTimeout = "timeout"
)

// Error and log messages.
const (
	errTextRequired      = "--text is required"
	errVoiceRequired     = "--voice is required"
	errNegativeSpeed     = "--speed must not be negative"
	errServiceNotHealthy = "voice service is not healthy: %s"
	errServerResponse    = "server returned %d: %s"
	errStreamAborted     = "stream ended early: %s"

	logRequesting = "Requesting %s speech for voice %s from %s"
	logGenerated  = "Generated: %s (%d bytes)\n"
	logHealthy    = "Voice service is %s: model_loaded=%t voices=%d sample_rate=%d\n"
)

const (
	defaultServer     = "http://localhost:8000"
	defaultTimeout    = 5 * time.Minute
	defaultOutputWAV  = "output.wav"
	defaultOutputPCM  = "output.pcm"
	logFileName       = "voice-client.log"
	maxErrorBodyBytes = 4096
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	voice   string
	output  string
	server  string
	speed   float64
	timeout time.Duration
	stream  bool
	health  bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := newClient(flags.server)

	if flags.health {
		return client.checkHealth(ctx, out)
	}

	log.Info(logRequesting, formatName(flags.stream), flags.voice, flags.server)

	written, err := client.speak(ctx, flags)
	if err != nil {
		log.Error("Speech request failed: %v", err)

		return err
	}

	fmt.Fprintf(out, logGenerated, flags.output, written)

	return nil
}

// parseFlags parses and validates args.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	flagSet.Float64Var(&flags.speed, flagSpeed, 0, flagSpeedDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.stream, flagStream, false, flagStreamDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return flags, fmt.Errorf("failed to parse flags: %w", err)
	}

	flags.server = strings.TrimRight(flags.server, "/")

	if flags.output == "" {
		flags.output = defaultOutputWAV
		if flags.stream {
			flags.output = defaultOutputPCM
		}
	}

	return flags, validateFlags(flags)
}

func validateFlags(flags appFlags) error {
	if flags.health {
		return nil
	}

	switch {
	case strings.TrimSpace(flags.text) == "":
		return errors.New(errTextRequired)
	case strings.TrimSpace(flags.voice) == "":
		return errors.New(errVoiceRequired)
	case flags.speed < 0:
		return errors.New(errNegativeSpeed)
	}

	return nil
}

func formatName(stream bool) string {
	if stream {
		return "pcm"
	}

	return "wav"
}

type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(baseURL string) *client {
	return &client{httpClient: &http.Client{}, baseURL: baseURL}
}

func (c *client) checkHealth(ctx context.Context, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health server.HealthResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&health)
	if decodeErr != nil {
		return fmt.Errorf("failed to decode health response: %w", decodeErr)
	}

	fmt.Fprintf(out, logHealthy, health.Status, health.ModelLoaded, health.VoiceCount, health.SampleRate)

	if !health.ModelLoaded {
		return fmt.Errorf(errServiceNotHealthy, health.Detail)
	}

	return nil
}

// speak posts an OpenAI-style speech request and writes the audio to flags.output.
// A stream that ends with an X-Stream-Error trailer is reported as an error after
// the partial audio has been written.
func (c *client) speak(ctx context.Context, flags appFlags) (int64, error) {
	request := server.SpeechRequest{
		Input:          flags.text,
		Voice:          flags.voice,
		Model:          server.ModelID,
		ResponseFormat: formatName(flags.stream),
		Speed:          nil,
	}

	if flags.speed > 0 {
		request.Speed = &flags.speed
	}

	body, err := json.Marshal(request)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}

	file, err := os.Create(flags.output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if copyErr != nil {
		return written, fmt.Errorf("failed to write audio: %w", copyErr)
	}

	if closeErr != nil {
		return written, fmt.Errorf("failed to close output file: %w", closeErr)
	}

	streamErr := resp.Trailer.Get(server.HeaderStreamError)
	if streamErr != "" {
		return written, fmt.Errorf(errStreamAborted, streamErr)
	}

	return written, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var body server.ErrorResponse

	unmarshalErr := json.Unmarshal(data, &body)
	if unmarshalErr == nil && body.Error != "" {
		message := body.Error
		if body.Detail != "" {
			message += ": " + body.Detail
		}

		return fmt.Errorf(errServerResponse, resp.StatusCode, message)
	}

	return fmt.Errorf(errServerResponse, resp.StatusCode, strings.TrimSpace(string(data)))
}

// Package worker provides a NATS worker that synthesizes page text with a stored voice.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
)

// Defaults.
const (
	DefaultConcurrency = 2
	DefaultJobTimeout  = 2 * time.Minute
	shutdownTimeout    = 30 * time.Second
	audioKeySuffix     = ".wav"
)

// Log messages.
const (
	logInvalidEvent   = "Rejected event on %s: %v"
	logJobFailed      = "Failed to synthesize page %d of workflow %s: %v"
	logPageRejected   = "Rejected page %d of workflow %s: %v"
	logReplyFailed    = "Failed to publish reply event for workflow %s: %v"
	logSubmitFailed   = "Failed to schedule job for workflow %s: %v"
	logJobPanic       = "Synthesis job panicked: %v"
	logJobDone        = "Synthesized page %d/%d of workflow %s with voice %s into %s (%s of audio)"
	logWorkerStarted  = "Worker listening on %s (queue %q, %d concurrent jobs)"
	logReleaseTimeout = "Timed out waiting for running jobs: %v"
)

var (
	// ErrVoiceEmpty indicates an event without a voice id.
	ErrVoiceEmpty = errors.New("voice cannot be empty")
	// ErrTextKeyEmpty indicates an event without a text object key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrEmptyText indicates a text object with no content.
	ErrEmptyText = errors.New("text object is empty")
)

// Synthesizer produces a complete WAV utterance.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Audio, error)
}

// Options configures the subscription.
type Options struct {
	Subject string
	// QueueGroup spreads jobs across worker instances. Empty subscribes every instance.
	QueueGroup  string
	Concurrency int
	JobTimeout  time.Duration
}

// NatsWorker listens for TextProcessedEvent requests, synthesizes the referenced text
// with the event's voice and replies with an AudioChunkCreatedEvent.
//
// Pages go through the same validation as HTTP requests, so a page longer than the
// synthesis text limit is rejected. Failed jobs are logged and get no reply.
type NatsWorker struct {
	natsConnection *nats.Conn
	textStore      core.ObjectStore
	audioStore     core.ObjectStore
	synthesizer    Synthesizer
	log            *logger.Logger
	opts           Options
	pool           *ants.Pool
}

// NewNatsWorker creates a new instance of a NATS worker. Page text is read from
// textStore and the synthesized audio is written to audioStore; both may be the same.
func NewNatsWorker(
	natsConnection *nats.Conn,
	textStore core.ObjectStore,
	audioStore core.ObjectStore,
	synthesizer Synthesizer,
	log *logger.Logger,
	opts Options,
) (*NatsWorker, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}

	pool, err := ants.NewPool(opts.Concurrency, ants.WithPanicHandler(func(recovered any) {
		log.Error(logJobPanic, recovered)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		textStore:      textStore,
		audioStore:     audioStore,
		synthesizer:    synthesizer,
		log:            log,
		opts:           opts,
		pool:           pool,
	}, nil
}

// Run starts the worker and blocks until ctx is cancelled. Running jobs are given
// time to finish before it returns.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.opts.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.opts.Subject, w.opts.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.opts.Subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.System(logWorkerStarted, w.opts.Subject, w.opts.QueueGroup, w.opts.Concurrency)

	<-ctx.Done()

	drainErr := sub.Drain()

	releaseErr := w.pool.ReleaseTimeout(shutdownTimeout)
	if releaseErr != nil {
		w.log.Warn(logReleaseTimeout, releaseErr)
	}

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	event, err := parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error(logInvalidEvent, msg.Subject, err)

		return
	}

	submitErr := w.pool.Submit(func() {
		w.process(msg, event)
	})
	if submitErr != nil {
		w.log.Error(logSubmitFailed, event.Header.WorkflowID, submitErr)
	}
}

func (w *NatsWorker) process(msg *nats.Msg, event *events.TextProcessedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.JobTimeout)
	defer cancel()

	audioKey, err := w.synthesizePage(ctx, event)
	if errors.Is(err, synthesis.ErrValidation) {
		w.log.Warn(logPageRejected, event.PageNumber, event.Header.WorkflowID, err)

		return
	}

	if err != nil {
		w.log.Error(logJobFailed, event.PageNumber, event.Header.WorkflowID, err)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(logReplyFailed, event.Header.WorkflowID, err)
	}
}

// synthesizePage downloads the page text, synthesizes it and uploads the WAV.
func (w *NatsWorker) synthesizePage(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	textData, err := w.textStore.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	text := strings.TrimSpace(string(textData))
	if text == "" {
		return "", fmt.Errorf("%w: '%s'", ErrEmptyText, event.TextKey)
	}

	result, err := w.synthesizer.Synthesize(ctx, synthesis.Request{
		Text:    text,
		VoiceID: event.Voice,
		Speed:   0,
		Mode:    synthesis.ModeComplete,
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize text: %w", err)
	}

	audioKey := uuid.NewString() + audioKeySuffix

	err = w.audioStore.Upload(ctx, audioKey, result.Data)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info(logJobDone, event.PageNumber, event.TotalPages, event.Header.WorkflowID, event.Voice, audioKey,
		fsutil.FormatDuration(result.Duration.Seconds()))

	return audioKey, nil
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if strings.TrimSpace(event.Voice) == "" {
		return nil, ErrVoiceEmpty
	}

	if strings.TrimSpace(event.TextKey) == "" {
		return nil, ErrTextKeyEmpty
	}

	return &event, nil
}

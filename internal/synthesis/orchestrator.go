// Package synthesis turns (text, voice) requests into speech.
//
// The Orchestrator resolves the voice through the library, consults the embedding
// cache before calling the backend and primes it afterwards, and delivers the result
// either as a complete WAV file or as an incremental stream of raw PCM. It is the
// single place where library, cache and backend faults become caller-facing errors.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/embedcache"
	"github.com/book-expert/voice-service/internal/keylock"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voice"
	"google.golang.org/api/iterator"
)

// Default option values.
const (
	DefaultMinSpeed       = 0.5
	DefaultMaxSpeed       = 2.0
	DefaultSpeed          = 1.0
	DefaultMaxTextLength  = 4096
	DefaultStreamPrefetch = 2
	DefaultWarmupText     = "Hello, this is a test of the voice."
)

// Log messages.
const (
	logSynthesisFailed = "Synthesis failed for voice %s: %v"
	logSynthesized     = "Synthesized %d samples for voice %s in %s (cache hit: %t)"
	logCacheSaveFailed = "Failed to cache embedding for voice %s: %v"
	logCacheSkipDelete = "Not caching embedding for voice %s: voice was deleted"
	logEvictFailed     = "Failed to evict cached embedding for deleted voice %s: %v"
	logWarmupFailed    = "Warm-up synthesis failed for new voice %s: %v"
	logTranscribed     = "Transcribed reference audio for new voice: %q"
	logTranscribeError = "Transcription failed: %v"
	logBackendNotReady = "Synthesis backend is not ready: %v"
	logVoiceDeleted    = "Deleted voice %s and its cached embedding"
)

// OutputMode selects how audio is delivered.
type OutputMode string

const (
	// ModeComplete buffers the whole utterance into a WAV file.
	ModeComplete OutputMode = "wav"
	// ModeStream emits raw 16-bit PCM chunk by chunk.
	ModeStream OutputMode = "pcm"
)

// ParseMode maps a transport format name to an OutputMode. An empty name selects
// ModeComplete.
func ParseMode(name string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(ModeComplete):
		return ModeComplete, nil
	case string(ModeStream):
		return ModeStream, nil
	default:
		return "", fmt.Errorf("%w: unsupported response format %q (supported: wav, pcm)", ErrValidation, name)
	}
}

// Normalizer rewrites input text before synthesis.
type Normalizer interface {
	PreprocessText(text string) string
}

// Deps are the collaborators of an Orchestrator. Transcriber and Normalizer may be nil.
type Deps struct {
	Library     *voice.Library
	Cache       *embedcache.Cache
	Backend     core.SynthesizeBackend
	Transcriber core.Transcriber
	Normalizer  Normalizer
	Log         *logger.Logger
}

// Options bound requests and tune delivery. Zero values select the defaults.
type Options struct {
	MinSpeed       float64
	MaxSpeed       float64
	DefaultSpeed   float64
	MaxTextLength  int
	StreamPrefetch int
	WarmupOnCreate bool
	WarmupText     string
}

func (o Options) withDefaults() Options {
	if o.MinSpeed <= 0 {
		o.MinSpeed = DefaultMinSpeed
	}

	if o.MaxSpeed <= 0 {
		o.MaxSpeed = DefaultMaxSpeed
	}

	if o.DefaultSpeed <= 0 {
		o.DefaultSpeed = DefaultSpeed
	}

	if o.MaxTextLength <= 0 {
		o.MaxTextLength = DefaultMaxTextLength
	}

	if o.StreamPrefetch <= 0 {
		o.StreamPrefetch = DefaultStreamPrefetch
	}

	if o.WarmupText == "" {
		o.WarmupText = DefaultWarmupText
	}

	return o
}

// Request is a transport-independent synthesis request. A zero Speed selects the
// default speed; an empty Mode selects the mode of the method being called.
type Request struct {
	Text    string
	VoiceID string
	Speed   float64
	Mode    OutputMode
}

// Audio is a complete synthesized utterance.
type Audio struct {
	Data     []byte
	Format   audio.PCMFormat
	Samples  int
	Duration time.Duration
	CacheHit bool
}

// Health summarizes the readiness of the service.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	VoiceCount  int    `json:"voice_count"`
	SampleRate  int    `json:"sample_rate"`
	Detail      string `json:"detail,omitempty"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	library     *voice.Library
	cache       *embedcache.Cache
	backend     core.SynthesizeBackend
	transcriber core.Transcriber
	normalizer  Normalizer
	log         *logger.Logger
	opts        Options
	locks       *keylock.Map
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Library == nil:
		return nil, fmt.Errorf("%w: voice library", ErrMissingDependency)
	case deps.Cache == nil:
		return nil, fmt.Errorf("%w: embedding cache", ErrMissingDependency)
	case deps.Backend == nil:
		return nil, fmt.Errorf("%w: synthesis backend", ErrMissingDependency)
	case deps.Log == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	opts = opts.withDefaults()
	if opts.MinSpeed > opts.MaxSpeed {
		return nil, fmt.Errorf("%w: min speed %.2f exceeds max speed %.2f", ErrValidation, opts.MinSpeed, opts.MaxSpeed)
	}

	return &Orchestrator{
		library:     deps.Library,
		cache:       deps.Cache,
		backend:     deps.Backend,
		transcriber: deps.Transcriber,
		normalizer:  deps.Normalizer,
		log:         deps.Log,
		opts:        opts,
		locks:       keylock.New(),
	}, nil
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// job is a validated request bound to a resolved voice.
type job struct {
	voiceID   string
	audioPath string
	record    *voice.Record
	text      string
	speed     float64
	embedding core.Embedding
	cacheHit  bool
	started   time.Time
}

// Synthesize produces the complete utterance as a WAV file. Either every chunk the
// backend yields is assembled or an error is returned; partial audio is never returned.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	work, err := o.prepare(req, ModeComplete)
	if err != nil {
		return nil, err
	}

	stream, err := o.generate(ctx, work, false)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var samples []float32

	for {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, backendError(ctxErr)
		}

		chunk, nextErr := stream.Next()
		if errors.Is(nextErr, iterator.Done) {
			break
		}

		if nextErr != nil {
			o.log.Error(logSynthesisFailed, work.voiceID, nextErr)

			return nil, backendError(nextErr)
		}

		samples = append(samples, chunk.Samples...)
	}

	if len(samples) == 0 {
		return nil, errNoAudio
	}

	format := audio.NewPCMFormat(o.backend.SampleRate())

	data, err := audio.EncodeWAV(audio.Quantize(samples), format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}

	o.finish(work, stream, len(samples))

	return &Audio{
		Data:     data,
		Format:   format,
		Samples:  len(samples),
		Duration: format.Duration(len(samples)),
		CacheHit: work.cacheHit,
	}, nil
}

// Stream starts an incremental synthesis. It returns once the voice is resolved and
// the backend has accepted the request; audio is then read from the AudioStream.
// The caller must Close the stream.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*AudioStream, error) {
	work, err := o.prepare(req, ModeStream)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)

	source, err := o.generate(streamCtx, work, true)
	if err != nil {
		cancel()

		return nil, err
	}

	stream := newAudioStream(streamCtx, cancel, audio.NewPCMFormat(o.backend.SampleRate()), o.opts.StreamPrefetch)
	go stream.produce(source, func(samples int) {
		o.finish(work, source, samples)
	}, func(produceErr error) {
		o.log.Error(logSynthesisFailed, work.voiceID, produceErr)
	})

	return stream, nil
}

// prepare validates req and resolves its voice. It performs no backend work.
func (o *Orchestrator) prepare(req Request, mode OutputMode) (*job, error) {
	err := o.validate(&req, mode)
	if err != nil {
		return nil, err
	}

	record, found := o.library.Get(req.VoiceID)
	if !found {
		return nil, fmt.Errorf("%w: voice %q", ErrNotFound, req.VoiceID)
	}

	audioPath := o.library.AudioPath(record)
	embedding, hit := o.cache.Load(record.VoiceID, audioPath)

	text := req.Text
	if o.normalizer != nil {
		normalized := strings.TrimSpace(o.normalizer.PreprocessText(text))
		if normalized != "" {
			text = normalized
		}
	}

	return &job{
		voiceID:   record.VoiceID,
		audioPath: audioPath,
		record:    record,
		text:      text,
		speed:     req.Speed,
		embedding: embedding,
		cacheHit:  hit,
		started:   time.Now(),
	}, nil
}

func (o *Orchestrator) validate(req *Request, mode OutputMode) error {
	if req.Mode != "" && req.Mode != mode {
		return fmt.Errorf("%w: output mode %q cannot be served as %q", ErrValidation, req.Mode, mode)
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return fmt.Errorf("%w: text cannot be empty", ErrValidation)
	}

	length := utf8.RuneCountInString(req.Text)
	if length > o.opts.MaxTextLength {
		return fmt.Errorf("%w: text is %d characters, the limit is %d", ErrValidation, length, o.opts.MaxTextLength)
	}

	req.VoiceID = strings.TrimSpace(req.VoiceID)
	if req.VoiceID == "" {
		return fmt.Errorf("%w: voice id is required", ErrValidation)
	}

	if req.Speed == 0 {
		req.Speed = o.opts.DefaultSpeed
	}

	if math.IsNaN(req.Speed) || req.Speed < o.opts.MinSpeed || req.Speed > o.opts.MaxSpeed {
		return fmt.Errorf("%w: speed must be between %.1f and %.1f, got %v",
			ErrValidation, o.opts.MinSpeed, o.opts.MaxSpeed, req.Speed)
	}

	return nil
}

func (o *Orchestrator) generate(ctx context.Context, work *job, streaming bool) (core.ChunkStream, error) {
	stream, err := o.backend.Generate(ctx, core.GenerateRequest{
		Text:             work.text,
		ReferenceText:    work.record.ReferenceText,
		ReferenceAudio:   work.audioPath,
		Speed:            work.speed,
		Streaming:        streaming,
		SpeakerEmbedding: work.embedding,
	})
	if err != nil {
		o.log.Error(logSynthesisFailed, work.voiceID, err)

		return nil, backendError(err)
	}

	return stream, nil
}

// finish runs after a fully successful synthesis. On a cache miss it stores the
// embedding the backend reports, if any.
func (o *Orchestrator) finish(work *job, stream core.ChunkStream, samples int) {
	o.log.Info(logSynthesized, samples, work.voiceID, time.Since(work.started).Round(time.Millisecond), work.cacheHit)

	if work.cacheHit {
		return
	}

	embedding := stream.SpeakerEmbedding()
	if len(embedding) == 0 {
		return
	}

	o.saveEmbedding(work.voiceID, work.audioPath, embedding)
}

// saveEmbedding stores an embedding under the voice's lock so that it cannot race a
// delete of the same voice.
func (o *Orchestrator) saveEmbedding(voiceID, audioPath string, embedding core.Embedding) {
	unlock := o.locks.Lock(voiceID)
	defer unlock()

	_, found := o.library.Get(voiceID)
	if !found {
		o.log.Warn(logCacheSkipDelete, voiceID)

		return
	}

	err := o.cache.Save(voiceID, embedding, audioPath)
	if err != nil {
		o.log.Warn(logCacheSaveFailed, voiceID, err)
	}
}

// Health reports backend readiness and library size.
func (o *Orchestrator) Health(ctx context.Context) Health {
	health := Health{
		Status:      "healthy",
		ModelLoaded: true,
		VoiceCount:  o.library.Count(),
		SampleRate:  o.backend.SampleRate(),
		Detail:      "",
	}

	err := o.backend.Ready(ctx)
	if err != nil {
		o.log.Warn(logBackendNotReady, err)

		health.Status = "degraded"
		health.ModelLoaded = false
		health.Detail = err.Error()
	} else {
		health.SampleRate = o.backend.SampleRate()
	}

	return health
}

// CacheStats returns the embedding cache counters.
func (o *Orchestrator) CacheStats() embedcache.Stats {
	return o.cache.Stats()
}

// PreloadCache warms the memory tier from the disk tier and returns the number of
// voices warmed.
func (o *Orchestrator) PreloadCache(ctx context.Context) int {
	return o.cache.PreloadAll(ctx, o.library)
}

// ClearCacheMemory empties the memory tier. Disk entries are kept.
func (o *Orchestrator) ClearCacheMemory() {
	o.cache.ClearMemory()
}

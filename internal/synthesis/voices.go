package synthesis

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voice"
)

// CreateVoiceRequest describes a new voice. AudioPath is copied into the library.
// An empty ReferenceText is filled in by the transcriber.
type CreateVoiceRequest struct {
	Name          string
	AudioPath     string
	ReferenceText string
}

// CreateVoice registers a new voice. Creation is all or nothing: if transcription
// fails no voice is stored.
func (o *Orchestrator) CreateVoice(ctx context.Context, req CreateVoiceRequest) (*voice.Record, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: voice name is required", ErrValidation)
	}

	if req.AudioPath == "" {
		return nil, fmt.Errorf("%w: reference audio is required", ErrValidation)
	}

	_, err := audio.ValidateReference(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	text := strings.TrimSpace(req.ReferenceText)
	if text == "" {
		text, err = o.transcribe(ctx, req.AudioPath)
		if err != nil {
			return nil, err
		}
	}

	record, err := o.library.Create(name, req.AudioPath, text)
	if err != nil {
		return nil, libraryError(err)
	}

	if o.opts.WarmupOnCreate {
		o.warmup(ctx, record)
	}

	return record, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, audioPath string) (string, error) {
	if o.transcriber == nil {
		return "", ErrTranscriptionUnavailable
	}

	text, err := o.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		o.log.Warn(logTranscribeError, err)

		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrTranscriptionFailed
	}

	o.log.Info(logTranscribed, text)

	return text, nil
}

// warmup runs one short synthesis so the first real request finds a primed cache.
func (o *Orchestrator) warmup(ctx context.Context, record *voice.Record) {
	_, err := o.Synthesize(ctx, Request{
		Text:    o.opts.WarmupText,
		VoiceID: record.VoiceID,
		Speed:   o.opts.DefaultSpeed,
		Mode:    ModeComplete,
	})
	if err != nil {
		o.log.Warn(logWarmupFailed, record.VoiceID, err)
	}
}

// GetVoice returns the voice with the given id.
func (o *Orchestrator) GetVoice(id string) (*voice.Record, error) {
	record, found := o.library.Get(strings.TrimSpace(id))
	if !found {
		return nil, fmt.Errorf("%w: voice %q", ErrNotFound, id)
	}

	return record, nil
}

// ListVoices returns all voices, newest first. Voices created at the same instant
// are ordered by id.
func (o *Orchestrator) ListVoices() ([]voice.Record, error) {
	records, err := o.library.List()
	if err != nil {
		return nil, libraryError(err)
	}

	slices.SortStableFunc(records, func(a, b voice.Record) int {
		byTime := b.CreatedAt.Compare(a.CreatedAt)
		if byTime != 0 {
			return byTime
		}

		return cmp.Compare(a.VoiceID, b.VoiceID)
	})

	return records, nil
}

// UpdateVoice changes the name or reference text of a voice. The audio and any
// cached embedding are unaffected.
func (o *Orchestrator) UpdateVoice(id string, fields voice.UpdateFields) (*voice.Record, error) {
	if fields.Name == nil && fields.ReferenceText == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	record, err := o.library.Update(strings.TrimSpace(id), fields)
	if err != nil {
		return nil, libraryError(err)
	}

	return record, nil
}

// DeleteVoice removes a voice and evicts its cached embedding. Both steps run under
// the voice's lock, so no cache entry survives a deleted voice.
func (o *Orchestrator) DeleteVoice(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: voice id is required", ErrValidation)
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	err := o.library.Delete(id)
	if err != nil {
		return libraryError(err)
	}

	evictErr := o.cache.Delete(id)
	if evictErr != nil {
		o.log.Warn(logEvictFailed, id, evictErr)
	}

	o.log.Info(logVoiceDeleted, id)

	return nil
}

// Package core defines the shared types and collaborator interfaces of the voice service.
package core

import (
	"context"
	"errors"
)

// ErrModelNotLoaded is returned by a SynthesizeBackend that is reachable but has no model ready.
var ErrModelNotLoaded = errors.New("synthesis model is not loaded")

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Embedding is a speaker embedding derived from a voice's reference audio.
// Its shape is opaque to the service; only the backend interprets it.
type Embedding []float32

// Chunk is one piece of generated audio as floating-point samples in [-1, 1].
type Chunk struct {
	Samples []float32
}

// GenerateRequest carries everything a backend needs for one zero-shot synthesis call.
type GenerateRequest struct {
	Text           string
	ReferenceText  string
	ReferenceAudio string
	Speed          float64
	Streaming      bool
	// SpeakerEmbedding is set when a cached embedding is available. Backends that do
	// not support embedding reuse ignore it.
	SpeakerEmbedding Embedding
}

// ChunkStream yields generated audio in order.
//
// Next returns iterator.Done (google.golang.org/api/iterator) after the last chunk.
// SpeakerEmbedding reports the embedding the backend used, or nil when the backend
// does not expose one; it is only meaningful after the stream has been drained.
type ChunkStream interface {
	Next() (Chunk, error)
	SpeakerEmbedding() Embedding
	Close() error
}

// SynthesizeBackend is the external speech synthesis model.
type SynthesizeBackend interface {
	Generate(ctx context.Context, req GenerateRequest) (ChunkStream, error)
	SampleRate() int
	Ready(ctx context.Context) error
}

// Transcriber converts reference audio into its spoken text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

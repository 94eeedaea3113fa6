package synthesis

import (
	"errors"
	"fmt"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/voice"
)

// Caller-facing error categories. Transports map these to status codes with errors.Is.
var (
	// ErrValidation indicates a request that was rejected before any storage or backend work.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound indicates an unknown voice id.
	ErrNotFound = errors.New("not found")
	// ErrStorage indicates a filesystem failure in the voice library.
	ErrStorage = errors.New("storage failure")
	// ErrBackend indicates that speech generation failed.
	ErrBackend = errors.New("generation failed")
	// ErrModelNotLoaded indicates that the backend is reachable but not ready.
	ErrModelNotLoaded = core.ErrModelNotLoaded
	// ErrTranscriptionUnavailable indicates that reference text was omitted and no
	// transcriber is configured. The caller must supply the text.
	ErrTranscriptionUnavailable = fmt.Errorf("%w: reference text is required (transcription is not available)",
		ErrValidation)
	// ErrTranscriptionFailed indicates that the reference audio could not be transcribed.
	// The caller must supply the text.
	ErrTranscriptionFailed = fmt.Errorf("%w: could not transcribe reference audio, provide the text manually",
		ErrValidation)
	// ErrMissingDependency indicates an Orchestrator constructed without a required collaborator.
	ErrMissingDependency = errors.New("missing orchestrator dependency")

	errNoAudio = fmt.Errorf("%w: backend produced no audio", ErrBackend)
)

// libraryError converts a voice library error into a caller-facing category.
func libraryError(err error) error {
	switch {
	case errors.Is(err, voice.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, voice.ErrInvalidRecord), errors.Is(err, voice.ErrInvalidAudio):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// backendError converts a backend error into a caller-facing category.
func backendError(err error) error {
	if errors.Is(err, core.ErrModelNotLoaded) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrBackend, err)
}

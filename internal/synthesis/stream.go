package synthesis

import (
	"context"
	"errors"
	"sync"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"google.golang.org/api/iterator"
)

// AudioStream delivers raw PCM for one incremental synthesis.
//
// A producer goroutine pulls chunks from the backend and quantizes them, staying at
// most a fixed number of chunks ahead of the reader. Bytes already returned by Next
// cannot be retracted; a failure after the first chunk ends the stream with an error.
type AudioStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	format audio.PCMFormat
	chunks chan []byte
	done   chan struct{}

	// failure is written by the producer before chunks is closed.
	failure error
	// terminal is owned by the reader.
	terminal error

	closeOnce sync.Once
}

func newAudioStream(ctx context.Context, cancel context.CancelFunc, format audio.PCMFormat, prefetch int) *AudioStream {
	return &AudioStream{
		ctx:       ctx,
		cancel:    cancel,
		format:    format,
		chunks:    make(chan []byte, prefetch),
		done:      make(chan struct{}),
		failure:   nil,
		terminal:  nil,
		closeOnce: sync.Once{},
	}
}

// Format describes the PCM bytes returned by Next.
func (s *AudioStream) Format() audio.PCMFormat {
	return s.format
}

// Next returns the next block of little-endian 16-bit PCM. It returns iterator.Done
// after the last block, or an error wrapping ErrBackend if generation failed.
func (s *AudioStream) Next() ([]byte, error) {
	if s.terminal != nil {
		return nil, s.terminal
	}

	ctxErr := s.ctx.Err()
	if ctxErr != nil {
		s.terminal = backendError(ctxErr)

		return nil, s.terminal
	}

	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}

	if s.failure != nil {
		s.terminal = s.failure
	} else {
		s.terminal = iterator.Done
	}

	return nil, s.terminal
}

// Close stops production, releases the backend stream and waits for the producer to
// exit. It is safe to call more than once.
func (s *AudioStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})

	return nil
}

// produce runs in its own goroutine. onSuccess is called only after the backend
// reported a clean end of stream; onFailure receives generation errors.
func (s *AudioStream) produce(source core.ChunkStream, onSuccess func(samples int), onFailure func(error)) {
	defer close(s.done)
	defer close(s.chunks)
	defer source.Close()

	total := 0

	for {
		ctxErr := s.ctx.Err()
		if ctxErr != nil {
			s.failure = backendError(ctxErr)

			return
		}

		chunk, err := source.Next()
		if errors.Is(err, iterator.Done) {
			if total == 0 {
				s.failure = errNoAudio
				onFailure(errNoAudio)

				return
			}

			onSuccess(total)

			return
		}

		if err != nil {
			s.failure = backendError(err)
			onFailure(err)

			return
		}

		if len(chunk.Samples) == 0 {
			continue
		}

		total += len(chunk.Samples)

		select {
		case s.chunks <- audio.PCM16LE(chunk.Samples):
		case <-s.ctx.Done():
			s.failure = backendError(s.ctx.Err())

			return
		}
	}
}

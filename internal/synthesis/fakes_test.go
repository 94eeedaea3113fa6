package synthesis_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/embedcache"
	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

const testSampleRate = 22050

var errBackendBoom = errors.New("backend exploded")

// fakeBackend replays a fixed list of chunks for every Generate call.
type fakeBackend struct {
	mu        sync.Mutex
	requests  []core.GenerateRequest
	chunks    [][]float32
	embedding core.Embedding

	generateErr error
	failAfter   int  // Next fails after this many chunks; negative disables.
	endless     bool // Next never reports the end of the stream.
	readyErr    error

	produced atomic.Int64
	closed   atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		mu:          sync.Mutex{},
		requests:    nil,
		chunks:      [][]float32{{0.1, -0.2, 0.3}, {0.5, 1.5}, {-1.5, 0}},
		embedding:   core.Embedding{0.25, 0.5, 0.75},
		generateErr: nil,
		failAfter:   -1,
		endless:     false,
		readyErr:    nil,
	}
}

func (b *fakeBackend) Generate(ctx context.Context, req core.GenerateRequest) (core.ChunkStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)

	if b.generateErr != nil {
		return nil, b.generateErr
	}

	return &fakeStream{ctx: ctx, backend: b, index: 0}, nil
}

func (b *fakeBackend) SampleRate() int {
	return testSampleRate
}

func (b *fakeBackend) Ready(_ context.Context) error {
	return b.readyErr
}

func (b *fakeBackend) calls() []core.GenerateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]core.GenerateRequest(nil), b.requests...)
}

func (b *fakeBackend) allSamples() []float32 {
	var samples []float32
	for _, chunk := range b.chunks {
		samples = append(samples, chunk...)
	}

	return samples
}

type fakeStream struct {
	ctx     context.Context
	backend *fakeBackend
	index   int
}

func (s *fakeStream) Next() (core.Chunk, error) {
	err := s.ctx.Err()
	if err != nil {
		return core.Chunk{Samples: nil}, err
	}

	if s.backend.failAfter >= 0 && s.index == s.backend.failAfter {
		return core.Chunk{Samples: nil}, errBackendBoom
	}

	if s.backend.endless {
		s.index++
		s.backend.produced.Add(1)

		return core.Chunk{Samples: []float32{0.1}}, nil
	}

	if s.index >= len(s.backend.chunks) {
		return core.Chunk{Samples: nil}, iterator.Done
	}

	chunk := s.backend.chunks[s.index]
	s.index++
	s.backend.produced.Add(1)

	return core.Chunk{Samples: chunk}, nil
}

func (s *fakeStream) SpeakerEmbedding() core.Embedding {
	return s.backend.embedding
}

func (s *fakeStream) Close() error {
	s.backend.closed.Add(1)

	return nil
}

type fakeTranscriber struct {
	text  string
	err   error
	calls atomic.Int64
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)

	return f.text, f.err
}

type bracketNormalizer struct{}

func (bracketNormalizer) PreprocessText(text string) string {
	return "[" + text + "]"
}

type testEnv struct {
	orchestrator *synthesis.Orchestrator
	library      *voice.Library
	cache        *embedcache.Cache
	backend      *fakeBackend
	dir          string
}

type envOption func(deps *synthesis.Deps, opts *synthesis.Options)

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	dir := t.TempDir()

	testLogger, err := logger.New(dir, "synthesis-test.log")
	require.NoError(t, err)

	libraryRoot := filepath.Join(dir, "voices")

	library, err := voice.NewLibrary(libraryRoot, testLogger)
	require.NoError(t, err)

	cache, err := embedcache.New(libraryRoot, testLogger, embedcache.Options{
		MemoryMaxEntries: 0,
		CompressionLevel: 0,
		PreloadWorkers:   0,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cache.Close()
		_ = testLogger.Close()
	})

	backend := newFakeBackend()
	deps := synthesis.Deps{
		Library:     library,
		Cache:       cache,
		Backend:     backend,
		Transcriber: nil,
		Normalizer:  nil,
		Log:         testLogger,
	}
	opts := synthesis.Options{
		MinSpeed:       0,
		MaxSpeed:       0,
		DefaultSpeed:   0,
		MaxTextLength:  0,
		StreamPrefetch: 0,
		WarmupOnCreate: false,
		WarmupText:     "",
	}

	for _, option := range options {
		option(&deps, &opts)
	}

	orchestrator, err := synthesis.New(deps, opts)
	require.NoError(t, err)

	return &testEnv{
		orchestrator: orchestrator,
		library:      library,
		cache:        cache,
		backend:      backend,
		dir:          dir,
	}
}

// writeReference writes a short valid WAV file and returns its path.
func (e *testEnv) writeReference(t *testing.T, name string) string {
	t.Helper()

	data, err := audio.EncodeWAV(audio.Quantize([]float32{0.1, 0.2, -0.1, -0.2}), audio.NewPCMFormat(16000))
	require.NoError(t, err)

	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func (e *testEnv) createVoice(t *testing.T, name string) *voice.Record {
	t.Helper()

	record, err := e.library.Create(name, e.writeReference(t, name+".wav"), "hello world")
	require.NoError(t, err)

	return record
}

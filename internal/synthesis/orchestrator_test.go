package synthesis_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/embedcache"
	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

func readAll(t *testing.T, stream *synthesis.AudioStream) []byte {
	t.Helper()

	var out []byte

	for {
		chunk, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			return out
		}

		require.NoError(t, err)

		out = append(out, chunk...)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := synthesis.New(synthesis.Deps{
		Library:     nil,
		Cache:       nil,
		Backend:     nil,
		Transcriber: nil,
		Normalizer:  nil,
		Log:         nil,
	}, synthesis.Options{})
	require.ErrorIs(t, err, synthesis.ErrMissingDependency)
}

func TestSynthesize_ReturnsWAV(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")

	result, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text:    "  Hello there  ",
		VoiceID: record.VoiceID,
		Speed:   0,
		Mode:    "",
	})
	require.NoError(t, err)

	assert.Equal(t, audio.NewPCMFormat(testSampleRate), result.Format)
	assert.Equal(t, 7, result.Samples)
	assert.False(t, result.CacheHit)
	assert.True(t, bytes.HasPrefix(result.Data, []byte("RIFF")))
	assert.True(t, bytes.HasSuffix(result.Data, audio.PCM16LE(env.backend.allSamples())))

	calls := env.backend.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hello there", calls[0].Text)
	assert.Equal(t, "hello world", calls[0].ReferenceText)
	assert.Equal(t, env.library.AudioPath(record), calls[0].ReferenceAudio)
	assert.InDelta(t, synthesis.DefaultSpeed, calls[0].Speed, 1e-9)
	assert.False(t, calls[0].Streaming)
	assert.Nil(t, calls[0].SpeakerEmbedding)
	assert.Equal(t, int64(1), env.backend.closed.Load())
}

func TestStream_MatchesCompleteFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")
	request := synthesis.Request{Text: "Same words", VoiceID: record.VoiceID, Speed: 1.5, Mode: ""}

	stream, err := env.orchestrator.Stream(context.Background(), request)
	require.NoError(t, err)

	streamed := readAll(t, stream)
	require.NoError(t, stream.Close())

	assert.Equal(t, audio.NewPCMFormat(testSampleRate), stream.Format())

	complete, err := env.orchestrator.Synthesize(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, audio.PCM16LE(env.backend.allSamples()), streamed)
	assert.True(t, bytes.HasSuffix(complete.Data, streamed))

	calls := env.backend.calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Streaming)
	assert.False(t, calls[1].Streaming)
}

func TestSynthesize_PrimesAndReusesCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")
	request := synthesis.Request{Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: synthesis.ModeComplete}

	first, err := env.orchestrator.Synthesize(context.Background(), request)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	stats := env.orchestrator.CacheStats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Saves)

	second, err := env.orchestrator.Synthesize(context.Background(), request)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)

	calls := env.backend.calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].SpeakerEmbedding)
	assert.Equal(t, env.backend.embedding, calls[1].SpeakerEmbedding)

	stats = env.orchestrator.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Saves)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	slot := env.library.SlotDir(record.VoiceID)
	assert.FileExists(t, filepath.Join(slot, embedcache.BlobFile))
	assert.FileExists(t, filepath.Join(slot, embedcache.SidecarFile))
}

func TestSynthesize_WithoutReportedEmbeddingSkipsSave(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.backend.embedding = nil
	record := env.createVoice(t, "alice")

	_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), env.orchestrator.CacheStats().Saves)
}

func TestSynthesize_RejectsInvalidRequestsBeforeBackend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")

	tests := []struct {
		name    string
		request synthesis.Request
	}{
		{name: "empty text", request: synthesis.Request{Text: "", VoiceID: record.VoiceID, Speed: 1, Mode: ""}},
		{name: "blank text", request: synthesis.Request{Text: " \n\t", VoiceID: record.VoiceID, Speed: 1, Mode: ""}},
		{
			name:    "text too long",
			request: synthesis.Request{Text: strings.Repeat("a", 4097), VoiceID: record.VoiceID, Speed: 1, Mode: ""},
		},
		{name: "speed too fast", request: synthesis.Request{Text: "hi", VoiceID: record.VoiceID, Speed: 3.0, Mode: ""}},
		{name: "speed too slow", request: synthesis.Request{Text: "hi", VoiceID: record.VoiceID, Speed: 0.4, Mode: ""}},
		{name: "negative speed", request: synthesis.Request{Text: "hi", VoiceID: record.VoiceID, Speed: -1, Mode: ""}},
		{
			name:    "nan speed",
			request: synthesis.Request{Text: "hi", VoiceID: record.VoiceID, Speed: math.NaN(), Mode: ""},
		},
		{name: "missing voice", request: synthesis.Request{Text: "hi", VoiceID: " ", Speed: 1, Mode: ""}},
		{
			name:    "stream mode",
			request: synthesis.Request{Text: "hi", VoiceID: record.VoiceID, Speed: 1, Mode: synthesis.ModeStream},
		},
	}

	for _, testCase := range tests {
		_, err := env.orchestrator.Synthesize(context.Background(), testCase.request)
		require.ErrorIs(t, err, synthesis.ErrValidation, testCase.name)
	}

	assert.Empty(t, env.backend.calls())
	assert.Equal(t, int64(0), env.orchestrator.CacheStats().Misses)
}

func TestSynthesize_AcceptsMaximumLengthInRunes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")

	_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text: strings.Repeat("语", synthesis.DefaultMaxTextLength), VoiceID: record.VoiceID, Speed: 2.0, Mode: "",
	})
	require.NoError(t, err)
}

func TestSynthesize_UnknownVoice(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text: "hi", VoiceID: "deadbeef", Speed: 1, Mode: "",
	})
	require.ErrorIs(t, err, synthesis.ErrNotFound)
	assert.Empty(t, env.backend.calls())
}

func TestSynthesize_BackendFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		configure func(backend *fakeBackend)
		wantErr   error
		notErr    error
	}{
		{
			name:      "generate error",
			configure: func(backend *fakeBackend) { backend.generateErr = errBackendBoom },
			wantErr:   synthesis.ErrBackend,
			notErr:    synthesis.ErrModelNotLoaded,
		},
		{
			name:      "model not loaded",
			configure: func(backend *fakeBackend) { backend.generateErr = core.ErrModelNotLoaded },
			wantErr:   synthesis.ErrModelNotLoaded,
			notErr:    synthesis.ErrBackend,
		},
		{
			name:      "fails mid stream",
			configure: func(backend *fakeBackend) { backend.failAfter = 1 },
			wantErr:   synthesis.ErrBackend,
			notErr:    synthesis.ErrModelNotLoaded,
		},
		{
			name:      "no audio",
			configure: func(backend *fakeBackend) { backend.chunks = nil },
			wantErr:   synthesis.ErrBackend,
			notErr:    synthesis.ErrModelNotLoaded,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			testCase.configure(env.backend)
			record := env.createVoice(t, "alice")

			result, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
				Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
			})
			require.ErrorIs(t, err, testCase.wantErr)
			assert.NotErrorIs(t, err, testCase.notErr)
			assert.Nil(t, result)
			assert.Equal(t, int64(0), env.orchestrator.CacheStats().Saves)
		})
	}
}

func TestSynthesize_AppliesNormalizer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(deps *synthesis.Deps, _ *synthesis.Options) {
		deps.Normalizer = bracketNormalizer{}
	})
	record := env.createVoice(t, "alice")

	_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text: "hi", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)

	calls := env.backend.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "[hi]", calls[0].Text)
}

func TestSynthesize_ConcurrentRequestsForSameVoice(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")

	const workers = 8

	var waitGroup sync.WaitGroup

	errs := make(chan error, workers)

	for range workers {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
				Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
			})
			errs <- err
		}()
	}

	waitGroup.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	embedding, ok := env.cache.Load(record.VoiceID, env.library.AudioPath(record))
	require.True(t, ok)
	assert.Equal(t, env.backend.embedding, embedding)
}

func TestStream_FailureAfterFirstChunk(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.backend.failAfter = 1
	record := env.createVoice(t, "alice")

	stream, err := env.orchestrator.Stream(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: synthesis.ModeStream,
	})
	require.NoError(t, err)

	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, audio.PCM16LE(env.backend.chunks[0]), first)

	_, err = stream.Next()
	require.ErrorIs(t, err, synthesis.ErrBackend)

	_, err = stream.Next()
	require.ErrorIs(t, err, synthesis.ErrBackend)

	assert.Equal(t, int64(0), env.orchestrator.CacheStats().Saves)
}

func TestStream_GenerateErrorIsReturnedImmediately(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.backend.generateErr = core.ErrModelNotLoaded
	record := env.createVoice(t, "alice")

	stream, err := env.orchestrator.Stream(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.ErrorIs(t, err, synthesis.ErrModelNotLoaded)
	assert.Nil(t, stream)
}

func TestStream_BoundedPrefetchAndClose(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.backend.endless = true
	record := env.createVoice(t, "alice")

	stream, err := env.orchestrator.Stream(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	prefetch := int64(env.orchestrator.Options().StreamPrefetch)
	assert.LessOrEqual(t, env.backend.produced.Load(), prefetch+2)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Equal(t, int64(1), env.backend.closed.Load())

	_, err = stream.Next()
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), env.orchestrator.CacheStats().Saves)
}

func TestStream_CallerCancellationStopsProduction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.backend.endless = true
	record := env.createVoice(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())

	stream, err := env.orchestrator.Stream(ctx, synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	cancel()

	_, err = stream.Next()
	require.ErrorIs(t, err, synthesis.ErrBackend)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, stream.Close())
	assert.Equal(t, int64(1), env.backend.closed.Load())
}

func TestStream_DeleteDuringSynthesisLeavesNoCacheEntry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.backend.chunks = [][]float32{{0.1}, {0.2}, {0.3}, {0.4}, {0.5}, {0.6}}
	record := env.createVoice(t, "alice")

	stream, err := env.orchestrator.Stream(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	require.NoError(t, env.orchestrator.DeleteVoice(record.VoiceID))

	readAll(t, stream)
	require.NoError(t, stream.Close())

	assert.Equal(t, int64(0), env.orchestrator.CacheStats().Saves)
	assert.NoDirExists(t, env.library.SlotDir(record.VoiceID))
}

func TestDeleteVoice_CascadesToCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")
	audioPath := env.library.AudioPath(record)

	_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.orchestrator.CacheStats().MemoryCached)

	require.NoError(t, env.orchestrator.DeleteVoice(record.VoiceID))

	_, err = env.orchestrator.GetVoice(record.VoiceID)
	require.ErrorIs(t, err, synthesis.ErrNotFound)

	_, ok := env.cache.Load(record.VoiceID, audioPath)
	assert.False(t, ok)
	assert.Equal(t, 0, env.orchestrator.CacheStats().MemoryCached)
	assert.NoDirExists(t, env.library.SlotDir(record.VoiceID))
}

func TestDeleteVoice_Unknown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	require.ErrorIs(t, env.orchestrator.DeleteVoice("deadbeef"), synthesis.ErrNotFound)
	require.ErrorIs(t, env.orchestrator.DeleteVoice("../escape"), synthesis.ErrNotFound)
	require.ErrorIs(t, env.orchestrator.DeleteVoice(""), synthesis.ErrValidation)
}

func TestPreloadCache_WarmsMemoryTier(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")
	env.createVoice(t, "bob")

	_, err := env.orchestrator.Synthesize(context.Background(), synthesis.Request{
		Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: "",
	})
	require.NoError(t, err)

	env.orchestrator.ClearCacheMemory()
	assert.Equal(t, 0, env.orchestrator.CacheStats().MemoryCached)

	assert.Equal(t, 1, env.orchestrator.PreloadCache(context.Background()))
	assert.Equal(t, 1, env.orchestrator.CacheStats().MemoryCached)
}

func TestSynthesize_ChangedReferenceAudioIsNotServedFromDisk(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	record := env.createVoice(t, "alice")
	request := synthesis.Request{Text: "Hello", VoiceID: record.VoiceID, Speed: 1, Mode: ""}

	_, err := env.orchestrator.Synthesize(context.Background(), request)
	require.NoError(t, err)

	env.orchestrator.ClearCacheMemory()

	replacement, err := audio.EncodeWAV(audio.Quantize([]float32{0.9, -0.9, 0.9}), audio.NewPCMFormat(16000))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.library.AudioPath(record), replacement, 0o600))

	result, err := env.orchestrator.Synthesize(context.Background(), request)
	require.NoError(t, err)
	assert.False(t, result.CacheHit)

	calls := env.backend.calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[1].SpeakerEmbedding)
	assert.Equal(t, int64(2), env.orchestrator.CacheStats().Saves)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.createVoice(t, "alice")

	health := env.orchestrator.Health(context.Background())
	assert.True(t, health.ModelLoaded)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.VoiceCount)
	assert.Equal(t, testSampleRate, health.SampleRate)

	env.backend.readyErr = core.ErrModelNotLoaded

	health = env.orchestrator.Health(context.Background())
	assert.False(t, health.ModelLoaded)
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Detail, "not loaded")
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := map[string]synthesis.OutputMode{
		"":     synthesis.ModeComplete,
		"wav":  synthesis.ModeComplete,
		"WAV":  synthesis.ModeComplete,
		"pcm":  synthesis.ModeStream,
		" pcm": synthesis.ModeStream,
	}

	for name, expected := range tests {
		mode, err := synthesis.ParseMode(name)
		require.NoError(t, err, name)
		assert.Equal(t, expected, mode, name)
	}

	for _, name := range []string{"mp3", "flac", "opus"} {
		_, err := synthesis.ParseMode(name)
		require.ErrorIs(t, err, synthesis.ErrValidation, name)
	}
}

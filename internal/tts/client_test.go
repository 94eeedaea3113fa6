package tts_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

// Test constants.
const (
	testText          = "Hello, world!"
	testReferenceText = "reference transcript"
	testReferenceData = "RIFF....WAVE"
)

func writeReference(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte(testReferenceData), 0o600))

	return path
}

func drain(t *testing.T, stream core.ChunkStream) [][]float32 {
	t.Helper()

	var chunks [][]float32

	for {
		chunk, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			return chunks
		}

		require.NoError(t, err)

		chunks = append(chunks, chunk.Samples)
	}
}

func TestHTTPBackend_GenerateStreamsFrames(t *testing.T) {
	t.Parallel()

	var received tts.ZeroShotRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/inference/zero-shot", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		decodeErr := json.NewDecoder(r.Body).Decode(&received)
		assert.NoError(t, decodeErr)

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Sample-Rate", "22050")
		w.WriteHeader(http.StatusOK)

		assert.NoError(t, tts.WriteFrame(w, tts.FrameAudio, []float32{0.1, 0.2}))
		assert.NoError(t, tts.WriteFrame(w, tts.FrameEmbedding, []float32{9, 8, 7}))
		assert.NoError(t, tts.WriteFrame(w, tts.FrameAudio, []float32{-0.3}))
	}))
	defer server.Close()

	backend := tts.NewHTTPBackend(server.URL, time.Second, 0)
	assert.Equal(t, tts.DefaultSampleRate, backend.SampleRate())

	stream, err := backend.Generate(context.Background(), core.GenerateRequest{
		Text:             testText,
		ReferenceText:    testReferenceText,
		ReferenceAudio:   writeReference(t),
		Speed:            1.25,
		Streaming:        true,
		SpeakerEmbedding: core.Embedding{1, 2},
	})
	require.NoError(t, err)

	defer stream.Close()

	chunks := drain(t, stream)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {-0.3}}, chunks)
	assert.Equal(t, core.Embedding{9, 8, 7}, stream.SpeakerEmbedding())
	assert.Equal(t, 22050, backend.SampleRate())

	assert.Equal(t, testText, received.Text)
	assert.Equal(t, testReferenceText, received.PromptText)
	assert.Equal(t, []byte(testReferenceData), received.PromptAudio)
	assert.Equal(t, "audio.wav", received.PromptAudioName)
	assert.InEpsilon(t, 1.25, received.Speed, 1e-9)
	assert.True(t, received.Stream)
	assert.Equal(t, []float32{1, 2}, received.SpeakerEmbedding)
}

func TestHTTPBackend_GenerateRejectsEmptyText(t *testing.T) {
	t.Parallel()

	backend := tts.NewHTTPBackend("http://127.0.0.1:1", time.Second, 0)

	_, err := backend.Generate(context.Background(), core.GenerateRequest{
		Text:             "",
		ReferenceText:    testReferenceText,
		ReferenceAudio:   writeReference(t),
		Speed:            1,
		Streaming:        false,
		SpeakerEmbedding: nil,
	})
	require.Error(t, err)
}

func TestHTTPBackend_GenerateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantMsg string
	}{
		{
			name:    "model not loaded",
			status:  http.StatusServiceUnavailable,
			body:    "",
			wantErr: core.ErrModelNotLoaded,
			wantMsg: "",
		},
		{
			name:    "structured error",
			status:  http.StatusBadRequest,
			body:    `{"detail":"prompt audio too short","error_code":"PROMPT_TOO_SHORT"}`,
			wantErr: tts.ErrGenerationFailed,
			wantMsg: "PROMPT_TOO_SHORT",
		},
		{
			name:    "plain error",
			status:  http.StatusInternalServerError,
			body:    "CUDA out of memory",
			wantErr: tts.ErrGenerationFailed,
			wantMsg: "CUDA out of memory",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			defer server.Close()

			backend := tts.NewHTTPBackend(server.URL, time.Second, 0)

			_, err := backend.Generate(context.Background(), core.GenerateRequest{
				Text:             testText,
				ReferenceText:    testReferenceText,
				ReferenceAudio:   writeReference(t),
				Speed:            1,
				Streaming:        false,
				SpeakerEmbedding: nil,
			})
			require.ErrorIs(t, err, testCase.wantErr)

			if testCase.wantMsg != "" {
				assert.Contains(t, err.Error(), testCase.wantMsg)
			}
		})
	}
}

func TestHTTPBackend_TruncatedFrameFailsMidStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")

		var buf bytes.Buffer
		assert.NoError(t, tts.WriteFrame(&buf, tts.FrameAudio, []float32{0.5}))
		assert.NoError(t, tts.WriteFrame(&buf, tts.FrameAudio, []float32{0.5, 0.5}))

		_, _ = w.Write(buf.Bytes()[:buf.Len()-3])
	}))
	defer server.Close()

	backend := tts.NewHTTPBackend(server.URL, time.Second, 0)

	stream, err := backend.Generate(context.Background(), core.GenerateRequest{
		Text:             testText,
		ReferenceText:    testReferenceText,
		ReferenceAudio:   writeReference(t),
		Speed:            1,
		Streaming:        true,
		SpeakerEmbedding: nil,
	})
	require.NoError(t, err)

	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, first.Samples)

	_, err = stream.Next()
	require.ErrorIs(t, err, tts.ErrMalformedFrame)
	assert.Nil(t, stream.SpeakerEmbedding())
}

func TestHTTPBackend_Ready(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantRate  int
		wantNoErr bool
	}{
		{name: "healthy", status: http.StatusOK, body: `{"status":"ok","model_loaded":true,"sample_rate":16000}`, wantErr: nil, wantRate: 16000, wantNoErr: true},
		{name: "model not loaded flag", status: http.StatusOK, body: `{"status":"ok","model_loaded":false}`, wantErr: core.ErrModelNotLoaded, wantRate: tts.DefaultSampleRate},
		{name: "service unavailable", status: http.StatusServiceUnavailable, body: "", wantErr: core.ErrModelNotLoaded, wantRate: tts.DefaultSampleRate},
		{name: "server error", status: http.StatusInternalServerError, body: "", wantErr: tts.ErrUnhealthy, wantRate: tts.DefaultSampleRate},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			defer server.Close()

			backend := tts.NewHTTPBackend(server.URL, time.Second, 0)

			err := backend.Ready(context.Background())
			if testCase.wantNoErr {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.wantErr)
			}

			assert.Equal(t, testCase.wantRate, backend.SampleRate())
		})
	}
}

func TestHTTPBackend_ReadyUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	backend := tts.NewHTTPBackend(url, time.Second, 0)
	require.ErrorIs(t, backend.Ready(context.Background()), tts.ErrUnhealthy)
}

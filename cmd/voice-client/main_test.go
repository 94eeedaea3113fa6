package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/book-expert/voice-service/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseFlags verifies the business logic for required and conflicting arguments.
func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		expectedError string
		wantOutput    string
	}{
		{name: "text and voice", args: []string{"--text", "hi", "--voice", "abc12345"}, wantOutput: "output.wav"},
		{name: "stream defaults to pcm", args: []string{"--text", "hi", "--voice", "abc12345", "--stream"}, wantOutput: "output.pcm"},
		{name: "health needs nothing else", args: []string{"--health"}, wantOutput: "output.wav"},
		{name: "missing text", args: []string{"--voice", "abc12345"}, expectedError: errTextRequired},
		{name: "missing voice", args: []string{"--text", "hi"}, expectedError: errVoiceRequired},
		{name: "negative speed", args: []string{"--text", "hi", "--voice", "v", "--speed", "-1"}, expectedError: errNegativeSpeed},
		{name: "unknown flag", args: []string{"--chunks", "file.json"}, expectedError: "failed to parse flags"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			flags, err := parseFlags(testCase.args)
			if testCase.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), testCase.expectedError)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.wantOutput, flags.output)
			assert.Equal(t, defaultServer, flags.server)
		})
	}
}

func TestRun_Health(t *testing.T) {
	t.Parallel()

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","model_loaded":true,"voice_count":2,"sample_rate":24000}`))
	}))
	defer mockServer.Close()

	var out bytes.Buffer

	err := run([]string{"--health", "--server", mockServer.URL + "/"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "voices=2")
}

func TestRun_HealthDegraded(t *testing.T) {
	t.Parallel()

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"degraded","model_loaded":false,"detail":"model server unreachable"}`))
	}))
	defer mockServer.Close()

	var out bytes.Buffer

	err := run([]string{"--health", "--server", mockServer.URL}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model server unreachable")
}

func TestRun_SpeechWAV(t *testing.T) {
	t.Parallel()

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)

		var request server.SpeechRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, "Hello", request.Input)
		assert.Equal(t, "abc12345", request.Voice)
		assert.Equal(t, "wav", request.ResponseFormat)
		assert.Equal(t, server.ModelID, request.Model)

		if assert.NotNil(t, request.Speed) {
			assert.InEpsilon(t, 1.5, *request.Speed, 0.001)
		}

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer mockServer.Close()

	output := filepath.Join(t.TempDir(), "speech.wav")

	var out bytes.Buffer

	err := run([]string{
		"--text", "Hello", "--voice", "abc12345", "--speed", "1.5",
		"--output", output, "--server", mockServer.URL,
	}, &out)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), data)
	assert.Contains(t, out.String(), "(8 bytes)")
}

func TestRun_StreamTrailerError(t *testing.T) {
	t.Parallel()

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Trailer", server.HeaderStreamError)
		w.Header().Set("Content-Type", "audio/pcm")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{1, 2, 3, 4})
		w.Header().Set(server.HeaderStreamError, "generation failed")
	}))
	defer mockServer.Close()

	output := filepath.Join(t.TempDir(), "speech.pcm")

	err := run([]string{
		"--text", "Hello", "--voice", "abc12345", "--stream",
		"--output", output, "--server", mockServer.URL,
	}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation failed")

	data, readErr := os.ReadFile(output)
	require.NoError(t, readErr)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestRun_ServerError(t *testing.T) {
	t.Parallel()

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found","detail":"voice 'abc12345' not found","code":404}`))
	}))
	defer mockServer.Close()

	output := filepath.Join(t.TempDir(), "speech.wav")

	err := run([]string{"--text", "Hello", "--voice", "abc12345", "--output", output, "--server", mockServer.URL}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "server returned 404: not found"))
	assert.NoFileExists(t, output)
}

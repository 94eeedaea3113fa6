// Package audio converts generated floating-point audio into the 16-bit PCM and WAV
// payloads served to clients, and validates reference audio supplied for new voices.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Output settings for every payload produced by the service.
const (
	DEFAULT_BIT_DEPTH = 16 // Samples are quantized to signed 16-bit integers.
	DEFAULT_CHANNELS  = 1  // Mono output.
	PCM_AUDIO_FORMAT  = 1  // WAVE_FORMAT_PCM.
)

// Quantization constants.
const (
	SAMPLE_MAX   = 1.0
	SAMPLE_MIN   = -1.0
	INT16_SCALE  = 32767
	BYTES_PER_16 = 2
)

// Constants for validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 8
)

// Constants for error messages and formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be between 1 and %d Hz, got %d"
	ERR_FMT_BIT_DEPTH_VALUES  = "%w: bit depth must be 16, got %d"
	ERR_FMT_CHANNELS_RANGE    = "%w: channels must be between 1 and %d, got %d"
)

// Common errors for the audio package.
var (
	// ErrInvalidFormat indicates PCM format parameters outside supported bounds.
	ErrInvalidFormat = errors.New("invalid pcm format")
)

// Format represents supported audio container formats.
type Format string

const (
	FORMAT_WAV  Format = "wav"
	FORMAT_PCM  Format = "pcm"
	FORMAT_MP3  Format = "mp3"
	FORMAT_FLAC Format = "flac"
	FORMAT_OGG  Format = "ogg"
	FORMAT_M4A  Format = "m4a"
	FORMAT_AAC  Format = "aac"
)

// PCMFormat describes raw PCM output. It is reported out of band for streams.
type PCMFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// NewPCMFormat returns the mono 16-bit format for the given sample rate.
func NewPCMFormat(sampleRate int) PCMFormat {
	return PCMFormat{
		SampleRate: sampleRate,
		Channels:   DEFAULT_CHANNELS,
		BitDepth:   DEFAULT_BIT_DEPTH,
	}
}

// Validate checks that the format can be encoded.
func (f PCMFormat) Validate() error {
	sampleRateErr := validateSampleRate(f.SampleRate)
	if sampleRateErr != nil {
		return sampleRateErr
	}

	bitDepthErr := validateBitDepth(f.BitDepth)
	if bitDepthErr != nil {
		return bitDepthErr
	}

	channelsErr := validateChannels(f.Channels)
	if channelsErr != nil {
		return channelsErr
	}

	return nil
}

// Duration returns the playback length of sampleCount mono samples.
func (f PCMFormat) Duration(sampleCount int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}

	return time.Duration(sampleCount) * time.Second / time.Duration(f.SampleRate)
}

// Quantize clamps every sample to [-1, 1], scales by 32767 and truncates toward
// zero. NaN samples become silence.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))

	for i, sample := range samples {
		out[i] = quantizeSample(sample)
	}

	return out
}

// PCM16LE quantizes samples and returns them as little-endian 16-bit PCM bytes.
func PCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*BYTES_PER_16)

	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*BYTES_PER_16:], uint16(quantizeSample(sample)))
	}

	return out
}

func quantizeSample(sample float32) int16 {
	value := float64(sample)

	switch {
	case math.IsNaN(value):
		return 0
	case value > SAMPLE_MAX:
		value = SAMPLE_MAX
	case value < SAMPLE_MIN:
		value = SAMPLE_MIN
	}

	return int16(value * INT16_SCALE)
}

//
// Validation Helpers
//

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidFormat, MAX_SAMPLE_RATE, sampleRate)
	}

	return nil
}

func validateBitDepth(bitDepth int) error {
	if bitDepth != DEFAULT_BIT_DEPTH {
		return fmt.Errorf(ERR_FMT_BIT_DEPTH_VALUES, ErrInvalidFormat, bitDepth)
	}

	return nil
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidFormat, MAX_CHANNELS, channels)
	}

	return nil
}

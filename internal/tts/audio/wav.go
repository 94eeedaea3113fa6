package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var errNegativeOffset = errors.New("negative seek offset")

// EncodeWAV wraps 16-bit samples in a WAV container described by format.
func EncodeWAV(samples []int16, format PCMFormat) ([]byte, error) {
	err := format.Validate()
	if err != nil {
		return nil, err
	}

	data := make([]int, len(samples))
	for i, sample := range samples {
		data[i] = int(sample)
	}

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		Data:           data,
		SourceBitDepth: format.BitDepth,
	}

	out := &memoryWriteSeeker{buf: nil, pos: 0}
	encoder := wav.NewEncoder(out, format.SampleRate, format.BitDepth, format.Channels, PCM_AUDIO_FORMAT)

	writeErr := encoder.Write(buf)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write wav samples: %w", writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to finalize wav header: %w", closeErr)
	}

	return out.buf, nil
}

// memoryWriteSeeker is the in-memory io.WriteSeeker the wav encoder needs to patch
// chunk sizes after the samples are written.
type memoryWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memoryWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}

	copy(m.buf[m.pos:], p)
	m.pos = end

	return len(p), nil
}

func (m *memoryWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	next := base + offset
	if next < 0 {
		return 0, errNegativeOffset
	}

	m.pos = int(next)

	return next, nil
}

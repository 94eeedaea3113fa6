package tts

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/book-expert/voice-service/internal/core"
	"google.golang.org/api/iterator"
)

// Frame kinds in a zero-shot response body.
const (
	FrameAudio     byte = 'A'
	FrameEmbedding byte = 'E'
)

const (
	bytesPerFloat   = 4
	frameHeaderSize = 5
	maxFrameSamples = 1 << 24
)

var (
	// ErrMalformedFrame indicates a response body that does not follow the frame layout.
	ErrMalformedFrame = errors.New("malformed response frame")
)

// WriteFrame writes one frame of the given kind.
func WriteFrame(w io.Writer, kind byte, values []float32) error {
	buf := make([]byte, frameHeaderSize+len(values)*bytesPerFloat)
	buf[0] = kind
	binary.LittleEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(values)))

	for i, value := range values {
		binary.LittleEndian.PutUint32(buf[frameHeaderSize+i*bytesPerFloat:], math.Float32bits(value))
	}

	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// frameStream decodes a zero-shot response body into chunks.
type frameStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	embedding core.Embedding
}

func newFrameStream(body io.ReadCloser) *frameStream {
	return &frameStream{
		body:      body,
		reader:    bufio.NewReader(body),
		embedding: nil,
	}
}

// Next returns the next audio chunk, or iterator.Done at a clean end of body.
// Embedding frames are recorded and skipped.
func (s *frameStream) Next() (core.Chunk, error) {
	for {
		kind, err := s.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return core.Chunk{Samples: nil}, iterator.Done
			}

			return core.Chunk{Samples: nil}, fmt.Errorf("failed to read frame: %w", err)
		}

		values, err := s.readValues()
		if err != nil {
			return core.Chunk{Samples: nil}, err
		}

		switch kind {
		case FrameAudio:
			return core.Chunk{Samples: values}, nil
		case FrameEmbedding:
			s.embedding = core.Embedding(values)
		default:
			return core.Chunk{Samples: nil}, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformedFrame, kind)
		}
	}
}

func (s *frameStream) readValues() ([]float32, error) {
	var header [frameHeaderSize - 1]byte

	_, err := io.ReadFull(s.reader, header[:])
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrMalformedFrame, err)
	}

	count := binary.LittleEndian.Uint32(header[:])
	if count > maxFrameSamples {
		return nil, fmt.Errorf("%w: frame of %d values exceeds limit", ErrMalformedFrame, count)
	}

	payload := make([]byte, int(count)*bytesPerFloat)

	_, err = io.ReadFull(s.reader, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %w", ErrMalformedFrame, err)
	}

	values := make([]float32, count)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*bytesPerFloat:]))
	}

	return values, nil
}

func (s *frameStream) SpeakerEmbedding() core.Embedding {
	return s.embedding
}

func (s *frameStream) Close() error {
	return s.body.Close()
}

package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// DefaultReferenceExt is used for reference audio that arrives without an extension.
const DefaultReferenceExt = ".wav"

var (
	// ErrReferenceMissing indicates the reference audio path does not exist.
	ErrReferenceMissing = errors.New("reference audio not found")
	// ErrReferenceNotFile indicates the reference audio path is not a regular file.
	ErrReferenceNotFile = errors.New("reference audio is not a regular file")
	// ErrReferenceEmpty indicates the reference audio file has no content.
	ErrReferenceEmpty = errors.New("reference audio is empty")
	// ErrUnsupportedFormat indicates an audio extension the service does not accept.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrInvalidWAV indicates a .wav file without a valid RIFF/WAVE header.
	ErrInvalidWAV = errors.New("invalid wav file")
)

var referenceFormats = map[string]Format{
	".wav":  FORMAT_WAV,
	".mp3":  FORMAT_MP3,
	".flac": FORMAT_FLAC,
	".ogg":  FORMAT_OGG,
	".m4a":  FORMAT_M4A,
	".aac":  FORMAT_AAC,
}

// ReferenceExt returns the lowercased extension a stored copy of path should use.
func ReferenceExt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return DefaultReferenceExt
	}

	return ext
}

// ValidateReference checks that path is readable, non-empty audio in an accepted
// format and returns the extension its stored copy should use. Files declared as WAV
// must carry a valid header.
func ValidateReference(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrReferenceMissing, path)
		}

		return "", fmt.Errorf("failed to stat reference audio %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrReferenceNotFile, path)
	}

	if info.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrReferenceEmpty, path)
	}

	hasExt := filepath.Ext(path) != ""
	ext := ReferenceExt(path)

	format, ok := referenceFormats[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	if hasExt && format == FORMAT_WAV {
		wavErr := checkWAVHeader(path)
		if wavErr != nil {
			return "", wavErr
		}
	}

	return ext, nil
}

func checkWAVHeader(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open reference audio %s: %w", path, err)
	}
	defer file.Close()

	if !wav.NewDecoder(file).IsValidFile() {
		return fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}

	return nil
}

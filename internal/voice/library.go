// Package voice persists reusable voice identities. Each voice lives in its own slot
// directory under the library root, holding a metadata document and a private copy
// of the reference audio.
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/keylock"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/google/uuid"
)

// Slot layout.
const (
	MetadataFile    = "metadata.json"
	audioFilePrefix = "audio"
	idLength        = 8
	maxIDAttempts   = 8
)

// Log messages.
const (
	logCorruptSlot    = "Skipping voice slot %s: %v"
	logMissingAudio   = "Skipping voice slot %s: reference audio %s is missing"
	logCreatedVoice   = "Created voice %s (%s)"
	logUpdatedVoice   = "Updated voice %s"
	logDeletedVoice   = "Deleted voice %s"
	logRollbackFailed = "Failed to remove incomplete voice slot %s: %v"
)

var (
	// ErrNotFound indicates that no voice slot exists for the given id.
	ErrNotFound = errors.New("voice not found")
	// ErrInvalidRecord indicates a missing or empty required field.
	ErrInvalidRecord = errors.New("invalid voice record")
	// ErrInvalidAudio indicates that the reference audio cannot be used.
	ErrInvalidAudio = errors.New("invalid reference audio")
	// ErrStorage indicates a filesystem failure while reading or writing the library.
	ErrStorage = errors.New("voice storage failure")
	// ErrIDExhausted indicates that no unused voice id could be allocated.
	ErrIDExhausted = errors.New("could not allocate a unique voice id")
)

// Record is the persisted description of one voice.
type Record struct {
	VoiceID       string     `json:"voice_id"`
	Name          string     `json:"name"`
	ReferenceText string     `json:"text"`
	AudioFile     string     `json:"audio"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// UpdateFields lists the mutable fields of a Record. Nil fields are left unchanged.
type UpdateFields struct {
	Name          *string
	ReferenceText *string
}

// Library stores voices under a root directory.
type Library struct {
	root      string
	log       *logger.Logger
	locks     *keylock.Map
	newID     func() string
	now       func() time.Time
	writeFile func(path string, data []byte) error
}

// NewLibrary opens, creating if needed, the library rooted at root.
func NewLibrary(root string, log *logger.Logger) (*Library, error) {
	if root == "" {
		root = fsutil.DefaultVoicesDir()
	}

	err := fsutil.EnsureDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &Library{
		root:      root,
		log:       log,
		locks:     keylock.New(),
		newID:     newVoiceID,
		now:       func() time.Time { return time.Now().UTC() },
		writeFile: fsutil.WriteFileAtomic,
	}, nil
}

func newVoiceID() string {
	return uuid.NewString()[:idLength]
}

// Root returns the library root directory.
func (l *Library) Root() string {
	return l.root
}

// SlotDir returns the slot directory for id. It does not check that the slot exists.
func (l *Library) SlotDir(id string) string {
	return filepath.Join(l.root, id)
}

// AudioPath returns the absolute path of the reference audio owned by rec.
func (l *Library) AudioPath(rec *Record) string {
	return filepath.Join(l.SlotDir(rec.VoiceID), filepath.Base(rec.AudioFile))
}

// Create registers a new voice. The audio at audioSource is copied into the new slot;
// the source is never moved or modified. On any failure after the slot directory
// was created the slot is removed again.
func (l *Library) Create(name, audioSource, referenceText string) (*Record, error) {
	name = strings.TrimSpace(name)
	referenceText = strings.TrimSpace(referenceText)

	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}

	if referenceText == "" {
		return nil, fmt.Errorf("%w: reference text is required", ErrInvalidRecord)
	}

	ext, err := audio.ValidateReference(audioSource)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}

	id, slot, err := l.allocateSlot()
	if err != nil {
		return nil, err
	}

	record := &Record{
		VoiceID:       id,
		Name:          name,
		ReferenceText: referenceText,
		AudioFile:     audioFilePrefix + ext,
		CreatedAt:     l.now(),
		UpdatedAt:     nil,
	}

	populateErr := l.populateSlot(slot, audioSource, record)
	if populateErr != nil {
		removeErr := os.RemoveAll(slot)
		if removeErr != nil {
			l.log.Error(logRollbackFailed, slot, removeErr)
		}

		return nil, populateErr
	}

	l.log.Info(logCreatedVoice, record.VoiceID, record.Name)

	return record, nil
}

func (l *Library) allocateSlot() (string, string, error) {
	ensureErr := fsutil.EnsureDir(l.root)
	if ensureErr != nil {
		return "", "", fmt.Errorf("%w: %w", ErrStorage, ensureErr)
	}

	for range maxIDAttempts {
		id := l.newID()
		slot := l.SlotDir(id)

		err := os.Mkdir(slot, 0o750)
		if err == nil {
			return id, slot, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("%w: failed to create slot %s: %w", ErrStorage, slot, err)
		}
	}

	return "", "", ErrIDExhausted
}

func (l *Library) populateSlot(slot, audioSource string, record *Record) error {
	copyErr := fsutil.CopyFile(audioSource, filepath.Join(slot, record.AudioFile))
	if copyErr != nil {
		return fmt.Errorf("%w: %w", ErrStorage, copyErr)
	}

	return l.writeMetadata(record)
}

func (l *Library) writeMetadata(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode metadata for %s: %w", ErrStorage, record.VoiceID, err)
	}

	writeErr := l.writeFile(filepath.Join(l.SlotDir(record.VoiceID), MetadataFile), data)
	if writeErr != nil {
		return fmt.Errorf("%w: %w", ErrStorage, writeErr)
	}

	return nil
}

// Get returns the voice with the given id. Missing, unreadable and corrupt slots are
// all reported as absent.
func (l *Library) Get(id string) (*Record, bool) {
	if !fsutil.IsSafeName(id) {
		return nil, false
	}

	record, err := l.readRecord(id)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn(logCorruptSlot, id, err)
		}

		return nil, false
	}

	audioPath := l.AudioPath(record)

	info, statErr := os.Stat(audioPath)
	if statErr != nil || !info.Mode().IsRegular() {
		l.log.Warn(logMissingAudio, id, audioPath)

		return nil, false
	}

	return record, true
}

func (l *Library) readRecord(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(l.SlotDir(id), MetadataFile))
	if err != nil {
		return nil, err
	}

	var record Record

	decodeErr := json.Unmarshal(data, &record)
	if decodeErr != nil {
		return nil, fmt.Errorf("corrupt metadata: %w", decodeErr)
	}

	if record.VoiceID != id {
		return nil, fmt.Errorf("metadata voice id %q does not match slot", record.VoiceID)
	}

	if record.AudioFile == "" {
		return nil, errors.New("metadata has no audio file")
	}

	record.AudioFile = filepath.Base(record.AudioFile)

	return &record, nil
}

// List returns every valid voice in slot-name order. Invalid slots are skipped; an
// error is returned only when the root itself cannot be read.
func (l *Library) List() ([]Record, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}

		return nil, fmt.Errorf("%w: failed to read library root %s: %w", ErrStorage, l.root, err)
	}

	records := make([]Record, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		record, ok := l.Get(entry.Name())
		if !ok {
			continue
		}

		records = append(records, *record)
	}

	return records, nil
}

// Count returns the number of valid voices.
func (l *Library) Count() int {
	records, err := l.List()
	if err != nil {
		return 0
	}

	return len(records)
}

// Update merges fields into the stored record and stamps updated_at. The reference
// audio is never touched.
func (l *Library) Update(id string, fields UpdateFields) (*Record, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	record, ok := l.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if fields.Name != nil {
		name := strings.TrimSpace(*fields.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidRecord)
		}

		record.Name = name
	}

	if fields.ReferenceText != nil {
		text := strings.TrimSpace(*fields.ReferenceText)
		if text == "" {
			return nil, fmt.Errorf("%w: reference text cannot be empty", ErrInvalidRecord)
		}

		record.ReferenceText = text
	}

	updatedAt := l.now()
	record.UpdatedAt = &updatedAt

	err := l.writeMetadata(record)
	if err != nil {
		return nil, err
	}

	l.log.Info(logUpdatedVoice, id)

	return record, nil
}

// Delete removes the slot for id, including anything else stored in it.
func (l *Library) Delete(id string) error {
	if !fsutil.IsSafeName(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	slot := l.SlotDir(id)

	info, err := os.Stat(slot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	removeErr := os.RemoveAll(slot)
	if removeErr != nil {
		return fmt.Errorf("%w: failed to remove slot %s: %w", ErrStorage, slot, removeErr)
	}

	l.log.Info(logDeletedVoice, id)

	return nil
}

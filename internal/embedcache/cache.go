// Package embedcache keeps speaker embeddings in two tiers: an in-process memory tier
// and a disk tier stored next to each voice's slot. Disk entries are bound to the
// reference audio by a content hash and discarded when the audio changes.
package embedcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/klauspost/compress/zstd"
	"github.com/panjf2000/ants/v2"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// Disk tier file names inside a voice slot.
const (
	BlobFile    = "embedding.bin"
	SidecarFile = "cache_metadata.json"
)

// Defaults.
const (
	DefaultCompressionLevel = 3
	DefaultPreloadWorkers   = 4
	percentScale            = 100
)

// Log messages.
const (
	logStaleEntry      = "Discarding cached embedding for %s: reference audio changed"
	logCorruptEntry    = "Discarding cached embedding for %s: %v"
	logDiskReadFailed  = "Failed to read cached embedding for %s: %v"
	logEvictFailed     = "Failed to remove cached embedding for %s: %v"
	logPreloadList     = "Cache preload could not list voices: %v"
	logPreloadDone     = "Cache preload warmed %d of %d voices"
	logPreloadPanic    = "Cache preload worker panicked: %v"
	logPreloadSubmit   = "Cache preload could not schedule %s: %v"
	logCachedEmbedding = "Cached embedding for %s (%d dimensions)"
)

var (
	// ErrSlotMissing indicates a save for a voice whose slot directory does not exist.
	ErrSlotMissing = errors.New("voice slot does not exist")
	// ErrInvalidVoiceID indicates an id that is not a single safe path element.
	ErrInvalidVoiceID = errors.New("invalid voice id")
	// ErrEmptyEmbedding indicates an attempt to cache an empty embedding.
	ErrEmptyEmbedding = errors.New("embedding is empty")
	// ErrStorage indicates a filesystem failure in the disk tier.
	ErrStorage = errors.New("embedding cache storage failure")

	errNoEntry = errors.New("no cache entry")
)

// Options tunes the cache. Zero values select defaults; MemoryMaxEntries of zero
// leaves the memory tier unbounded.
type Options struct {
	MemoryMaxEntries int
	CompressionLevel int
	PreloadWorkers   int
}

// VoiceSource enumerates the voices whose embeddings can be preloaded.
type VoiceSource interface {
	List() ([]voice.Record, error)
	AudioPath(rec *voice.Record) string
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Saves          int64   `json:"saves"`
	Loads          int64   `json:"loads"`
	MemoryCached   int     `json:"memory_cached"`
	HitRate        float64 `json:"hit_rate"`
	HitRatePercent float64 `json:"hit_rate_percent"`
}

// DiskUsage summarizes the disk tier.
type DiskUsage struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

type sidecar struct {
	AudioHash  string    `json:"audio_hash"`
	CachedAt   time.Time `json:"cached_at"`
	Dimensions int       `json:"dimensions"`
}

type memoryEntry struct {
	voiceID   string
	embedding core.Embedding
}

// Cache is safe for concurrent use.
type Cache struct {
	root    string
	log     *logger.Logger
	opts    Options
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	group   singleflight.Group

	mu     sync.Mutex
	memory map[string]*list.Element
	lru    *list.List

	// generations counts deletes per voice so that a disk load that overlapped a
	// delete does not repopulate the memory tier.
	generations map[string]uint64

	hits   atomic.Int64
	misses atomic.Int64
	saves  atomic.Int64
	loads  atomic.Int64
}

// New creates a cache whose disk tier lives in the voice slots under root.
func New(root string, log *logger.Logger, opts Options) (*Cache, error) {
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = DefaultCompressionLevel
	}

	if opts.PreloadWorkers <= 0 {
		opts.PreloadWorkers = DefaultPreloadWorkers
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()

		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Cache{
		root:    root,
		log:     log,
		opts:    opts,
		encoder: encoder,
		decoder: decoder,
		memory:  make(map[string]*list.Element),
		lru:     list.New(),

		generations: make(map[string]uint64),
	}, nil
}

// Close releases the compression codecs.
func (c *Cache) Close() error {
	c.decoder.Close()

	return c.encoder.Close()
}

func (c *Cache) slotDir(voiceID string) string {
	return filepath.Join(c.root, voiceID)
}

// Load returns the embedding for voiceID. Memory entries are trusted as is; disk
// entries are returned only when their recorded hash matches the current content of
// audioPath, and stale or unreadable entries are deleted. Failures count as misses.
func (c *Cache) Load(voiceID, audioPath string) (core.Embedding, bool) {
	if !fsutil.IsSafeName(voiceID) {
		c.misses.Add(1)

		return nil, false
	}

	embedding, ok := c.fromMemory(voiceID)
	if ok {
		c.hits.Add(1)

		return embedding, true
	}

	result, err, _ := c.group.Do(voiceID, func() (any, error) {
		return c.loadFromDisk(voiceID, audioPath)
	})
	if err != nil {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)

	embedding, _ = result.(core.Embedding)

	return embedding, true
}

func (c *Cache) loadFromDisk(voiceID, audioPath string) (core.Embedding, error) {
	generation := c.generation(voiceID)
	slot := c.slotDir(voiceID)

	meta, err := readSidecar(filepath.Join(slot, SidecarFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.discard(voiceID, logCorruptEntry, err)
		}

		return nil, errNoEntry
	}

	blob, err := os.ReadFile(filepath.Join(slot, BlobFile))
	if err != nil {
		c.discard(voiceID, logDiskReadFailed, err)

		return nil, errNoEntry
	}

	currentHash, err := HashFile(audioPath)
	if err != nil {
		c.discard(voiceID, logCorruptEntry, err)

		return nil, errNoEntry
	}

	if currentHash != meta.AudioHash {
		c.log.Info(logStaleEntry, voiceID)
		c.evict(voiceID)

		return nil, errNoEntry
	}

	embedding, err := c.decode(blob)
	if err != nil {
		c.discard(voiceID, logCorruptEntry, err)

		return nil, errNoEntry
	}

	if !c.promote(voiceID, embedding, generation) {
		return nil, errNoEntry
	}

	c.loads.Add(1)

	return embedding, nil
}

func (c *Cache) discard(voiceID, format string, cause error) {
	c.log.Warn(format, voiceID, cause)
	c.evict(voiceID)
}

func (c *Cache) evict(voiceID string) {
	err := c.Delete(voiceID)
	if err != nil {
		c.log.Warn(logEvictFailed, voiceID, err)
	}
}

// Save stores embedding in both tiers, replacing any existing entry. The voice slot
// must already exist; Save never creates it.
func (c *Cache) Save(voiceID string, embedding core.Embedding, audioPath string) error {
	if !fsutil.IsSafeName(voiceID) {
		return fmt.Errorf("%w: %q", ErrInvalidVoiceID, voiceID)
	}

	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}

	slot := c.slotDir(voiceID)

	info, err := os.Stat(slot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrSlotMissing, voiceID)
	}

	audioHash, err := HashFile(audioPath)
	if err != nil {
		return err
	}

	blob, err := c.encode(embedding)
	if err != nil {
		return err
	}

	meta, err := json.MarshalIndent(sidecar{
		AudioHash:  audioHash,
		CachedAt:   time.Now().UTC(),
		Dimensions: len(embedding),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache metadata: %w", err)
	}

	blobErr := fsutil.WriteFileAtomic(filepath.Join(slot, BlobFile), blob)
	if blobErr != nil {
		return fmt.Errorf("%w: %w", ErrStorage, blobErr)
	}

	metaErr := fsutil.WriteFileAtomic(filepath.Join(slot, SidecarFile), meta)
	if metaErr != nil {
		_ = os.Remove(filepath.Join(slot, BlobFile))

		return fmt.Errorf("%w: %w", ErrStorage, metaErr)
	}

	c.putMemory(voiceID, embedding)
	c.saves.Add(1)
	c.log.Info(logCachedEmbedding, voiceID, len(embedding))

	return nil
}

// Delete removes voiceID from both tiers. Deleting an absent entry is not an error.
func (c *Cache) Delete(voiceID string) error {
	if !fsutil.IsSafeName(voiceID) {
		return fmt.Errorf("%w: %q", ErrInvalidVoiceID, voiceID)
	}

	c.mu.Lock()
	if element, ok := c.memory[voiceID]; ok {
		c.lru.Remove(element)
		delete(c.memory, voiceID)
	}
	c.generations[voiceID]++
	c.mu.Unlock()

	var errs []error

	slot := c.slotDir(voiceID)
	for _, name := range []string{SidecarFile, BlobFile} {
		removeErr := os.Remove(filepath.Join(slot, name))
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			errs = append(errs, removeErr)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStorage, errors.Join(errs...))
	}

	return nil
}

// PreloadAll warms the memory tier from the disk tier for every voice in source that
// has a cache entry, and returns the number of voices warmed.
func (c *Cache) PreloadAll(ctx context.Context, source VoiceSource) int {
	records, err := source.List()
	if err != nil {
		c.log.Warn(logPreloadList, err)

		return 0
	}

	pool, err := ants.NewPool(c.opts.PreloadWorkers, ants.WithPanicHandler(func(recovered any) {
		c.log.Error(logPreloadPanic, recovered)
	}))
	if err != nil {
		c.log.Error(logPreloadSubmit, "pool", err)

		return 0
	}
	defer pool.Release()

	var (
		warmed atomic.Int64
		wg     sync.WaitGroup
	)

	for i := range records {
		if ctx.Err() != nil {
			break
		}

		record := records[i]

		_, statErr := os.Stat(filepath.Join(c.slotDir(record.VoiceID), SidecarFile))
		if statErr != nil {
			continue
		}

		audioPath := source.AudioPath(&record)

		wg.Add(1)

		submitErr := pool.Submit(func() {
			defer wg.Done()

			_, ok := c.Load(record.VoiceID, audioPath)
			if ok {
				warmed.Add(1)
			}
		})
		if submitErr != nil {
			wg.Done()
			c.log.Warn(logPreloadSubmit, record.VoiceID, submitErr)
		}
	}

	wg.Wait()

	count := int(warmed.Load())
	c.log.Info(logPreloadDone, count, len(records))

	return count
}

// ClearMemory empties the memory tier. Disk entries are kept.
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns a snapshot of the counters. HitRate is hits/(hits+misses), or zero
// before the first lookup.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.Lock()
	memoryCached := len(c.memory)
	c.mu.Unlock()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:           hits,
		Misses:         misses,
		Saves:          c.saves.Load(),
		Loads:          c.loads.Load(),
		MemoryCached:   memoryCached,
		HitRate:        hitRate,
		HitRatePercent: math.Round(hitRate*percentScale*percentScale) / percentScale,
	}
}

// DiskUsage counts the disk tier entries under the cache root.
func (c *Cache) DiskUsage() (DiskUsage, error) {
	usage := DiskUsage{Entries: 0, Bytes: 0}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return usage, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		blobInfo, statErr := os.Stat(filepath.Join(c.root, entry.Name(), BlobFile))
		if statErr != nil {
			continue
		}

		usage.Entries++
		usage.Bytes += blobInfo.Size()
	}

	return usage, nil
}

func (c *Cache) fromMemory(voiceID string) (core.Embedding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.memory[voiceID]
	if !ok {
		return nil, false
	}

	c.lru.MoveToFront(element)

	entry, _ := element.Value.(*memoryEntry)

	return entry.embedding, true
}

func (c *Cache) generation(voiceID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generations[voiceID]
}

// promote inserts a disk entry into the memory tier unless voiceID was deleted
// after generation was read.
func (c *Cache) promote(voiceID string, embedding core.Embedding, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[voiceID] != generation {
		return false
	}

	c.putMemoryLocked(voiceID, embedding)

	return true
}

func (c *Cache) putMemory(voiceID string, embedding core.Embedding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.putMemoryLocked(voiceID, embedding)
}

func (c *Cache) putMemoryLocked(voiceID string, embedding core.Embedding) {
	if element, ok := c.memory[voiceID]; ok {
		entry, _ := element.Value.(*memoryEntry)
		entry.embedding = embedding
		c.lru.MoveToFront(element)

		return
	}

	c.memory[voiceID] = c.lru.PushFront(&memoryEntry{voiceID: voiceID, embedding: embedding})

	if c.opts.MemoryMaxEntries > 0 {
		for c.lru.Len() > c.opts.MemoryMaxEntries {
			oldest := c.lru.Back()
			entry, _ := oldest.Value.(*memoryEntry)
			c.lru.Remove(oldest)
			delete(c.memory, entry.voiceID)
		}
	}
}

func (c *Cache) encode(embedding core.Embedding) ([]byte, error) {
	packed, err := msgpack.Marshal([]float32(embedding))
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding: %w", err)
	}

	return c.encoder.EncodeAll(packed, nil), nil
}

func (c *Cache) decode(blob []byte) (core.Embedding, error) {
	packed, err := c.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress embedding: %w", err)
	}

	var values []float32

	unmarshalErr := msgpack.Unmarshal(packed, &values)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", unmarshalErr)
	}

	if len(values) == 0 {
		return nil, ErrEmptyEmbedding
	}

	return core.Embedding(values), nil
}

func readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta sidecar

	decodeErr := json.Unmarshal(data, &meta)
	if decodeErr != nil {
		return nil, fmt.Errorf("corrupt cache metadata: %w", decodeErr)
	}

	if meta.AudioHash == "" {
		return nil, errors.New("cache metadata has no audio hash")
	}

	return &meta, nil
}

// HashFile returns the hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()

	_, copyErr := io.Copy(hasher, file)
	if copyErr != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, copyErr)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

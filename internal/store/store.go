// Package store persists the sources, tasks and devices documents and
// serializes every read-modify-write of them behind a single lock.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

var (
	// ErrConfigurationMissing is returned when a required document does not exist
	ErrConfigurationMissing = errors.New("required document is missing")
	// ErrCorruptState is returned when a document cannot be parsed
	ErrCorruptState = errors.New("document is corrupt")
	// ErrNotFound is returned when a named entry does not exist
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a named entry already exists
	ErrExists = errors.New("already exists")
)

const lockFileName = ".relsyncd.lock"

// Store guards the documents inside one config directory. Mutations hold an
// in-process mutex and a file lock, so concurrent work units and separate
// processes never interleave a read-modify-write.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	flock *flock.Flock

	hashMu  sync.Mutex
	written map[Document][]string // hashes of recent self-written versions, oldest first
	seen    map[Document]string   // hash of the last version the watch looked at
}

// selfWriteHistory bounds how many self-written versions per document are
// remembered. A watch event that arrives late still finds its version here.
const selfWriteHistory = 64

// New creates a store over dir, creating the directory if needed
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	return &Store{
		dir:     dir,
		logger:  logger,
		flock:   flock.New(filepath.Join(dir, lockFileName)),
		written: make(map[Document][]string),
		seen:    make(map[Document]string),
	}, nil
}

// Path returns the on-disk location of doc
func (s *Store) Path(doc Document) string {
	return filepath.Join(s.dir, string(doc))
}

// Init creates an empty sources document if none exists yet
func (s *Store) Init() (bool, error) {
	unlock, err := s.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := os.Stat(s.Path(SourcesDocument)); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", SourcesDocument, err)
	}

	if err := save(s, SourcesDocument, &Sources{Entries: make(map[string]*Source)}); err != nil {
		return false, err
	}
	return true, nil
}

// Sources reads the sources document. The result is not isolated against
// concurrent writers; use MutateSources for read-modify-write.
func (s *Store) Sources() (*Sources, error) {
	var doc Sources
	if err := load(s, SourcesDocument, &doc); err != nil {
		return nil, err
	}
	normalizeSources(&doc)
	return &doc, nil
}

// MutateSources applies fn to the sources document and persists the result.
// Nothing is written when fn returns an error.
func (s *Store) MutateSources(fn func(*Sources) error) error {
	return mutate(s, SourcesDocument, normalizeSources, fn)
}

// Tasks reads the task document; a missing document yields an empty list
func (s *Store) Tasks() (Tasks, error) {
	var doc Tasks
	if err := load(s, TasksDocument, &doc); err != nil {
		return nil, err
	}
	normalizeTasks(&doc)
	return doc, nil
}

// MutateTasks applies fn to the task document and persists the result
func (s *Store) MutateTasks(fn func(*Tasks) error) error {
	return mutate(s, TasksDocument, normalizeTasks, fn)
}

// Devices reads the device list; a missing document yields an empty list
func (s *Store) Devices() ([]Device, error) {
	var doc []Device
	if err := load(s, DevicesDocument, &doc); err != nil {
		return nil, err
	}
	normalizeDevices(&doc)
	return doc, nil
}

// MutateDevices applies fn to the device list and persists the result
func (s *Store) MutateDevices(fn func(*[]Device) error) error {
	return mutate(s, DevicesDocument, normalizeDevices, fn)
}

func (s *Store) lock() (func(), error) {
	s.mu.Lock()
	if err := s.flock.Lock(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}

	return func() {
		if err := s.flock.Unlock(); err != nil {
			s.logger.Warn("failed to release store lock", "error", err)
		}
		s.mu.Unlock()
	}, nil
}

func mutate[T any](s *Store, doc Document, normalize func(*T), fn func(*T) error) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	var v T
	if err := load(s, doc, &v); err != nil {
		return err
	}
	normalize(&v)

	if err := fn(&v); err != nil {
		return err
	}

	return save(s, doc, &v)
}

func load[T any](s *Store, doc Document, v *T) error {
	path := s.Path(doc)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if doc == SourcesDocument {
				return fmt.Errorf("%w: %s", ErrConfigurationMissing, path)
			}
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", doc, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	return nil
}

func save[T any](s *Store, doc Document, v *T) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", doc, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+string(doc)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", doc, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", doc, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", doc, err)
	}

	// recorded before the rename, a watch may read the file right after it
	sum := contentHash(data)
	s.recordWrite(doc, sum)
	if err := os.Rename(tmpPath, s.Path(doc)); err != nil {
		s.forgetWrite(doc, sum)
		return fmt.Errorf("failed to replace %s: %w", doc, err)
	}

	return nil
}

func (s *Store) recordWrite(doc Document, sum string) {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()

	hashes := append(s.written[doc], sum)
	if len(hashes) > selfWriteHistory {
		hashes = hashes[len(hashes)-selfWriteHistory:]
	}
	s.written[doc] = hashes
}

func (s *Store) forgetWrite(doc Document, sum string) {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()

	hashes := s.written[doc]
	for i := len(hashes) - 1; i >= 0; i-- {
		if hashes[i] == sum {
			s.written[doc] = append(hashes[:i:i], hashes[i+1:]...)
			return
		}
	}
}

// encode renders v in the canonical on-disk form: 4-space indented JSON
// with sorted map keys and a trailing newline.
func encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeSources(doc *Sources) {
	if doc.Entries == nil {
		doc.Entries = make(map[string]*Source)
	}
	for name, src := range doc.Entries {
		if src == nil {
			delete(doc.Entries, name)
		}
	}
}

func normalizeTasks(doc *Tasks) {
	if *doc == nil {
		*doc = make(Tasks)
	}
}

func normalizeDevices(doc *[]Device) {
	if *doc == nil {
		*doc = []Device{}
	}
}

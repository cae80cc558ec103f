// Package artifact owns the canonical PCM file streamed to devices.
//
// Writers never touch the canonical path directly: bytes land in a temp file
// next to it and are renamed into place, so a reader either opens the previous
// generation or the new one, never a partial file. An open reader keeps its
// file handle, and with it the bytes of the generation it started with.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	stagePrefix = ".stage-"
	tempPrefix  = ".commit-"
)

// ErrNotReady is returned when no generation has been committed yet.
var ErrNotReady = errors.New("artifact not ready")

// StorageError reports a failed commit. The store stays at its prior generation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store guards the canonical artifact path and its generation counter.
type Store struct {
	path string
	dir  string
	log  *slog.Logger

	mu         sync.RWMutex
	generation uint64
	ready      bool

	// rename is swapped in tests to simulate a failing filesystem.
	rename func(oldpath, newpath string) error
}

// Open prepares the directory holding path and recovers state left on disk.
// An existing canonical file is adopted as generation 1.
func Open(path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("artifact path must not be empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	s := &Store{
		path:   path,
		dir:    dir,
		log:    log.With(slog.String("component", "artifact")),
		rename: os.Rename,
	}
	s.removeLeftovers()

	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		s.generation = 1
		s.ready = true
		s.log.Info("adopted existing artifact", slog.String("path", path), slog.Int64("bytes", info.Size()))
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return s, nil
}

func (s *Store) removeLeftovers() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	base := filepath.Base(s.path)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tempPrefix+base) || strings.HasPrefix(name, stagePrefix+base) {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}
}

// Path returns the canonical artifact path.
func (s *Store) Path() string { return s.path }

// Generation returns the current generation; zero means nothing committed yet.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Ready reports whether a generation is available to readers.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// StagePath returns a path on the same filesystem as the artifact where a
// producer may write a candidate generation for CommitFile.
func (s *Store) StagePath(id string) string {
	return filepath.Join(s.dir, stagePrefix+filepath.Base(s.path)+"-"+id)
}

// Commit writes r to a temp file and publishes it as the next generation.
func (s *Store) Commit(r io.Reader) (uint64, error) {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+filepath.Base(s.path)+"-*")
	if err != nil {
		return 0, &StorageError{Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, &StorageError{Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, &StorageError{Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, &StorageError{Op: "close", Err: err}
	}
	return s.publish(tmpName)
}

// CommitFile publishes a file previously written to a StagePath. The staged
// file is consumed on success and removed on failure.
func (s *Store) CommitFile(staged string) (uint64, error) {
	if filepath.Dir(staged) != s.dir {
		return 0, &StorageError{Op: "commit", Err: fmt.Errorf("staged file %s outside %s", staged, s.dir)}
	}
	if _, err := os.Stat(staged); err != nil {
		return 0, &StorageError{Op: "stat staged", Err: err}
	}
	return s.publish(staged)
}

func (s *Store) publish(candidate string) (uint64, error) {
	s.mu.Lock()
	if err := s.rename(candidate, s.path); err != nil {
		gen := s.generation
		s.mu.Unlock()
		os.Remove(candidate)
		s.log.Error("artifact commit failed", slog.Uint64("generation", gen), slog.String("error", err.Error()))
		return 0, &StorageError{Op: "rename", Err: err}
	}
	s.generation++
	s.ready = true
	gen := s.generation
	s.mu.Unlock()

	s.log.Info("artifact committed", slog.Uint64("generation", gen))
	return gen, nil
}

// Reader streams one generation of the artifact.
type Reader struct {
	f          *os.File
	generation uint64
	size       int64
}

func (r *Reader) Read(p []byte) (int, error) { return r.f.Read(p) }

func (r *Reader) Close() error { return r.f.Close() }

// Generation is the generation that was canonical when the reader was opened.
func (r *Reader) Generation() uint64 { return r.generation }

// Size is the byte length of the generation.
func (r *Reader) Size() int64 { return r.size }

// OpenReadStream opens the generation that is canonical right now. Commits
// that land while the reader is open do not change what it delivers.
func (s *Store) OpenReadStream() (*Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, ErrNotReady
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &Reader{f: f, generation: s.generation, size: info.Size()}, nil
}

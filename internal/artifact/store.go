// Package artifact provides epic-scoped access to the versioned text files the
// agent edits: read, existence checks and marker edits. Prose is never
// rewritten; only control markers are written by this package.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/epicflow/internal/marker"
)

// Name identifies an artifact within an epic.
type Name string

const (
	Spec    Name = "spec"
	Plan    Name = "plan"
	Tasks   Name = "tasks"
	Review  Name = "review"
	Context Name = "context"
)

// DefaultFiles maps every known artifact to its file name.
func DefaultFiles() map[Name]string {
	return map[Name]string{
		Spec:    "spec.md",
		Plan:    "plan.md",
		Tasks:   "tasks.md",
		Review:  "review.md",
		Context: "context.md",
	}
}

const maxEpicIDLen = 64

var epicIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var (
	// ErrUnknownArtifact is returned for names without a configured file.
	ErrUnknownArtifact = errors.New("unknown artifact")
	// ErrNotFound is returned when an artifact file does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidEpicID is returned for epic ids unusable as a path component.
	ErrInvalidEpicID = errors.New("invalid epic id")
)

// ValidateEpicID checks that id is usable as a path component.
func ValidateEpicID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidEpicID)
	}
	if len(id) > maxEpicIDLen {
		return fmt.Errorf("%w: exceeds max length %d", ErrInvalidEpicID, maxEpicIDLen)
	}
	if !epicIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q contains invalid characters (must be alphanumeric, dot, hyphen, underscore)", ErrInvalidEpicID, id)
	}
	return nil
}

// Store reads artifacts and edits their markers. Paths are namespaced as
// <root>/<dir>/<epic-id>/<file>.
type Store struct {
	root     string
	dir      string
	files    map[Name]string
	protocol *marker.Protocol

	// locks serializes marker edits per file
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithFiles overrides artifact file names. Unlisted artifacts keep defaults.
func WithFiles(files map[Name]string) StoreOption {
	return func(s *Store) {
		for n, f := range files {
			if f != "" {
				s.files[n] = f
			}
		}
	}
}

// WithProtocol sets the marker protocol used for exclusive markers.
func WithProtocol(p *marker.Protocol) StoreOption {
	return func(s *Store) {
		s.protocol = p
	}
}

// NewStore builds a store rooted at the workspace directory.
func NewStore(root, dir string, opts ...StoreOption) *Store {
	s := &Store{
		root:     root,
		dir:      dir,
		files:    DefaultFiles(),
		protocol: marker.NewProtocol(),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Names returns every configured artifact name, sorted.
func (s *Store) Names() []Name {
	names := make([]Name, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// RelPath returns the artifact path relative to the workspace root, using
// forward slashes.
func (s *Store) RelPath(epicID string, name Name) (string, error) {
	if err := ValidateEpicID(epicID); err != nil {
		return "", err
	}
	file, ok := s.files[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
	}
	return filepath.ToSlash(filepath.Join(s.dir, epicID, file)), nil
}

// Path returns the absolute artifact path.
func (s *Store) Path(epicID string, name Name) (string, error) {
	rel, err := s.RelPath(epicID, name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// EpicDir returns the directory holding an epic's artifacts.
func (s *Store) EpicDir(epicID string) (string, error) {
	if err := ValidateEpicID(epicID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, s.dir, epicID), nil
}

// Exists reports whether the artifact file exists.
func (s *Store) Exists(epicID string, name Name) (bool, error) {
	path, err := s.Path(epicID, name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact %s: %w", name, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("artifact %s: expected file, got directory", name)
	}
	return true, nil
}

// Read returns the artifact text.
func (s *Store) Read(epicID string, name Name) (string, error) {
	path, err := s.Path(epicID, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, epicID, name)
		}
		return "", fmt.Errorf("read artifact %s: %w", name, err)
	}
	return string(data), nil
}

// HasMarker reports whether the artifact carries the marker. A missing
// artifact carries no markers.
func (s *Store) HasMarker(epicID string, name Name, m marker.Name) (bool, error) {
	text, err := s.Read(epicID, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return marker.Has(text, m), nil
}

// Markers lists the markers present in the artifact.
func (s *Store) Markers(epicID string, name Name) ([]marker.Name, error) {
	text, err := s.Read(epicID, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return marker.List(text), nil
}

// WriteMarker sets or clears a marker. Setting requires the artifact to exist;
// clearing a missing artifact is a no-op. The write is atomic.
func (s *Store) WriteMarker(epicID string, name Name, m marker.Name, op marker.Op) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return err
	}
	path, err := s.Path(epicID, name)
	if err != nil {
		return err
	}

	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if op == marker.OpClear {
				return nil
			}
			return fmt.Errorf("%w: %s/%s", ErrNotFound, epicID, name)
		}
		return fmt.Errorf("read artifact %s: %w", name, err)
	}

	out, changed := s.protocol.Apply(string(data), m, op)
	if !changed {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact %s: %w", name, err)
	}
	if err := WriteFileAtomic(path, []byte(out), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write marker %s on %s: %w", m, name, err)
	}
	return nil
}

// Write replaces the artifact content, creating the epic directory when
// needed. Used when seeding artifacts; the orchestrator never calls it.
func (s *Store) Write(epicID string, name Name, content string) error {
	path, err := s.Path(epicID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create epic directory: %w", err)
	}
	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()
	return WriteFileAtomic(path, []byte(content), 0o644)
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Staging permissions. Shared mode is used when the guest runs under a
// different uid than the server and must write byproducts next to the source.
const (
	BaseDirPermission       = 0o711
	PrivateDirPermission    = 0o700
	PrivateFilePermission   = 0o600
	SharedDirPermission     = 0o777
	SharedFilePermission    = 0o644
	stagingDirPrefix        = "scriptorium-"
	defaultStagingDirectory = "scriptorium"
)

// Artifact is the staged source of one request. It is owned by exactly one
// request and must be released when the request completes.
type Artifact struct {
	ID         string
	Dir        string
	FileName   string
	SourcePath string
	BinaryPath string
	Name       string
	CreatedAt  time.Time

	once    sync.Once
	err     error
	release func() error
}

// Release removes the staged directory with every byproduct in it. It is safe
// to call more than once; later calls return the first result.
func (a *Artifact) Release() error {
	if a == nil {
		return nil
	}
	a.once.Do(func() {
		if a.release != nil {
			a.err = a.release()
		}
	})
	return a.err
}

// Paths returns the host paths of the artifact.
func (a *Artifact) Paths() Paths {
	return Paths{Dir: a.Dir, Source: a.SourcePath, Binary: a.BinaryPath, Name: a.Name}
}

// Stager creates per-request directories under a base directory.
type Stager struct {
	logger *zap.Logger
	fs     FileSystem
	base   string
	shared bool
}

// StagerOption defines a functional option for Stager
type StagerOption func(*Stager)

// WithStagerFileSystem sets the FileSystem for Stager
func WithStagerFileSystem(fs FileSystem) StagerOption {
	return func(s *Stager) {
		s.fs = fs
	}
}

// WithSharedStaging makes staged files accessible to a guest running under
// another uid.
func WithSharedStaging(shared bool) StagerOption {
	return func(s *Stager) {
		s.shared = shared
	}
}

// NewStager creates the base directory if needed. An empty base uses a
// directory under os.TempDir().
func NewStager(logger *zap.Logger, base string, opts ...StagerOption) (*Stager, error) {
	s := &Stager{
		logger: logger,
		fs:     &RealFileSystem{},
		base:   base,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.base == "" {
		s.base = filepath.Join(os.TempDir(), defaultStagingDirectory)
	}
	abs, err := filepath.Abs(s.base)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid work dir %s: %v", ErrStaging, s.base, err)
	}
	s.base = filepath.Clean(abs)

	if err := s.fs.MkdirAll(s.base, BaseDirPermission); err != nil {
		return nil, fmt.Errorf("%w: failed to create work dir: %v", ErrStaging, err)
	}
	// MkdirAll is subject to umask
	if err := s.fs.Chmod(s.base, BaseDirPermission); err != nil {
		return nil, fmt.Errorf("%w: failed to set work dir permissions: %v", ErrStaging, err)
	}

	return s, nil
}

// BaseDir returns the absolute base directory.
func (s *Stager) BaseDir() string {
	return s.base
}

// Shared reports whether artifacts are staged for a foreign uid.
func (s *Stager) Shared() bool {
	return s.shared
}

// Stage writes source into a fresh private directory.
func (s *Stager) Stage(p Profile, source string) (*Artifact, error) {
	id := xid.New().String()

	dir, err := s.fs.MkdirTemp(s.base, stagingDirPrefix+id+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp dir: %v", ErrStaging, err)
	}

	a := &Artifact{
		ID:        id,
		Dir:       dir,
		Name:      p.resolveName(source),
		CreatedAt: time.Now(),
	}
	a.FileName = a.Name + p.Extension
	a.SourcePath = filepath.Join(dir, a.FileName)
	a.BinaryPath = filepath.Join(dir, a.Name)
	a.release = func() error { return s.remove(dir) }

	dirPerm, filePerm := os.FileMode(PrivateDirPermission), os.FileMode(PrivateFilePermission)
	if s.shared {
		dirPerm, filePerm = SharedDirPermission, SharedFilePermission
	}

	if err := s.fs.Chmod(dir, dirPerm); err != nil {
		s.discard(a)
		return nil, fmt.Errorf("%w: failed to set dir permissions: %v", ErrStaging, err)
	}
	if err := s.fs.WriteFile(a.SourcePath, []byte(source), filePerm); err != nil {
		s.discard(a)
		return nil, fmt.Errorf("%w: failed to write source: %v", ErrStaging, err)
	}
	// WriteFile is subject to umask
	if err := s.fs.Chmod(a.SourcePath, filePerm); err != nil {
		s.discard(a)
		return nil, fmt.Errorf("%w: failed to set source permissions: %v", ErrStaging, err)
	}

	return a, nil
}

func (s *Stager) discard(a *Artifact) {
	if err := a.Release(); err != nil {
		s.logger.Error("failed to remove staged directory", zap.String("path", a.Dir), zap.Error(err))
	}
}

// remove deletes dir if it is a direct child of the base directory.
func (s *Stager) remove(dir string) error {
	rel, err := filepath.Rel(s.base, filepath.Clean(dir))
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) ||
		strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("refusing to remove %s outside of %s", dir, s.base)
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

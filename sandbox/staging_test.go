package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/scriptorium/config"
)

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	RealFileSystem
	mkdirAllErr  error
	writeFileErr error
	chmodErrs    map[string]error
	removed      []string
	chmods       map[string]os.FileMode
}

func (m *MockFileSystem) MkdirAll(path string, perm os.FileMode) error {
	if m.mkdirAllErr != nil {
		return m.mkdirAllErr
	}
	return m.RealFileSystem.MkdirAll(path, perm)
}

func (m *MockFileSystem) Chmod(path string, perm os.FileMode) error {
	if m.chmods == nil {
		m.chmods = make(map[string]os.FileMode)
	}
	m.chmods[path] = perm
	for suffix, err := range m.chmodErrs {
		if strings.HasSuffix(path, suffix) {
			return err
		}
	}
	return m.RealFileSystem.Chmod(path, perm)
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	if m.writeFileErr != nil {
		return m.writeFileErr
	}
	return m.RealFileSystem.WriteFile(filename, data, perm)
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removed = append(m.removed, path)
	return m.RealFileSystem.RemoveAll(path)
}

func pythonProfile() Profile {
	return Profile{Language: "python", Extension: ".py", FileName: "main", Run: []string{"python3", "{source}"}}
}

func TestNewStager(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("CreatesBaseDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "nested", "work")
		s, err := NewStager(logger, base)
		require.NoError(t, err)
		assert.Equal(t, base, s.BaseDir())

		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(BaseDirPermission), info.Mode().Perm())
	})

	t.Run("RelativeBaseIsMadeAbsolute", func(t *testing.T) {
		t.Chdir(t.TempDir())
		s, err := NewStager(logger, "work")
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(s.BaseDir()))
	})

	t.Run("MkdirFailure", func(t *testing.T) {
		fs := &MockFileSystem{mkdirAllErr: errBoom}
		_, err := NewStager(logger, t.TempDir(), WithStagerFileSystem(fs))
		require.ErrorIs(t, err, ErrStaging)
		assert.Contains(t, err.Error(), "failed to create work dir")
	})
}

func TestStage(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("PrivateLayout", func(t *testing.T) {
		s := newTestStager(t)
		a, err := s.Stage(pythonProfile(), "print('hi')")
		require.NoError(t, err)
		defer func() { require.NoError(t, a.Release()) }()

		assert.Equal(t, s.BaseDir(), filepath.Dir(a.Dir))
		assert.True(t, strings.HasPrefix(filepath.Base(a.Dir), stagingDirPrefix+a.ID))
		assert.Equal(t, "main.py", a.FileName)
		assert.Equal(t, filepath.Join(a.Dir, "main.py"), a.SourcePath)
		assert.Equal(t, filepath.Join(a.Dir, "main"), a.BinaryPath)

		data, err := os.ReadFile(a.SourcePath)
		require.NoError(t, err)
		assert.Equal(t, "print('hi')", string(data))

		dirInfo, err := os.Stat(a.Dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(PrivateDirPermission), dirInfo.Mode().Perm())

		fileInfo, err := os.Stat(a.SourcePath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(PrivateFilePermission), fileInfo.Mode().Perm())
	})

	t.Run("SharedLayout", func(t *testing.T) {
		s, err := NewStager(logger, t.TempDir(), WithSharedStaging(true))
		require.NoError(t, err)
		assert.True(t, s.Shared())

		a, err := s.Stage(pythonProfile(), "pass")
		require.NoError(t, err)
		defer func() { require.NoError(t, a.Release()) }()

		dirInfo, err := os.Stat(a.Dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(SharedDirPermission), dirInfo.Mode().Perm())
	})

	t.Run("JavaClassName", func(t *testing.T) {
		reg, err := NewRegistry(config.DefaultLanguages(), time.Second)
		require.NoError(t, err)
		java, err := reg.Lookup("java")
		require.NoError(t, err)

		s := newTestStager(t)
		a, err := s.Stage(java, "public class Greeter { }")
		require.NoError(t, err)
		defer func() { require.NoError(t, a.Release()) }()

		assert.Equal(t, "Greeter", a.Name)
		assert.Equal(t, "Greeter.java", a.FileName)
	})

	t.Run("DistinctDirectories", func(t *testing.T) {
		s := newTestStager(t)
		a, err := s.Stage(pythonProfile(), "a")
		require.NoError(t, err)
		b, err := s.Stage(pythonProfile(), "b")
		require.NoError(t, err)

		assert.NotEqual(t, a.Dir, b.Dir)
		assert.NotEqual(t, a.ID, b.ID)
		require.NoError(t, a.Release())
		require.NoError(t, b.Release())
	})

	t.Run("WriteFailureCleansUp", func(t *testing.T) {
		fs := &MockFileSystem{writeFileErr: errBoom}
		s, err := NewStager(logger, t.TempDir(), WithStagerFileSystem(fs))
		require.NoError(t, err)

		_, err = s.Stage(pythonProfile(), "x")
		require.ErrorIs(t, err, ErrStaging)
		assert.Contains(t, err.Error(), "failed to write source")
		require.Len(t, fs.removed, 1)
		assert.Empty(t, stagedEntries(t, s))
	})

	t.Run("ChmodFailureCleansUp", func(t *testing.T) {
		fs := &MockFileSystem{chmodErrs: map[string]error{"main.py": errBoom}}
		s, err := NewStager(logger, t.TempDir(), WithStagerFileSystem(fs))
		require.NoError(t, err)

		_, err = s.Stage(pythonProfile(), "x")
		require.ErrorIs(t, err, ErrStaging)
		assert.Contains(t, err.Error(), "failed to set source permissions")
		assert.Empty(t, stagedEntries(t, s))
	})
}

func TestArtifactRelease(t *testing.T) {
	t.Run("RemovesByproducts", func(t *testing.T) {
		s := newTestStager(t)
		a, err := s.Stage(pythonProfile(), "x")
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(a.Dir, "main"), []byte("bin"), 0o600))
		require.NoError(t, os.MkdirAll(filepath.Join(a.Dir, ".gocache", "x"), 0o700))

		require.NoError(t, a.Release())
		_, err = os.Stat(a.Dir)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("Idempotent", func(t *testing.T) {
		fs := &MockFileSystem{}
		s, err := NewStager(zaptest.NewLogger(t), t.TempDir(), WithStagerFileSystem(fs))
		require.NoError(t, err)
		a, err := s.Stage(pythonProfile(), "x")
		require.NoError(t, err)

		require.NoError(t, a.Release())
		require.NoError(t, a.Release())
		assert.Len(t, fs.removed, 1)
	})

	t.Run("NilArtifact", func(t *testing.T) {
		var a *Artifact
		assert.NoError(t, a.Release())
	})
}

func TestStagerRemoveRefusesOutsideBase(t *testing.T) {
	s := newTestStager(t)
	outside := t.TempDir()

	tests := []string{
		s.BaseDir(),
		filepath.Dir(s.BaseDir()),
		outside,
		filepath.Join(s.BaseDir(), "..", "escape"),
		filepath.Join(s.BaseDir(), "a", "b"),
	}
	for _, dir := range tests {
		err := s.remove(dir)
		require.Error(t, err, dir)
		assert.Contains(t, err.Error(), "refusing to remove")
	}

	_, err := os.Stat(outside)
	assert.NoError(t, err)
}

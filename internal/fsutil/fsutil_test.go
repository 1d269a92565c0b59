package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNextName(t *testing.T) {
	tests := []struct {
		path     string
		n        int
		expected string
	}{
		{path: "/dl/mod.zip", n: 1, expected: "/dl/mod.1.zip"},
		{path: "/dl/mod.zip", n: 12, expected: "/dl/mod.12.zip"},
		{path: "/dl/archive.tar.gz", n: 2, expected: "/dl/archive.tar.2.gz"},
		{path: "/dl/noext", n: 1, expected: "/dl/noext.1"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.expected), NextName(filepath.FromSlash(tt.path), tt.n))
		})
	}
}

func TestEnsureDirWritable(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "skyrimse", "nested")
		require.NoError(t, EnsureDirWritable(dir))

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "write test file must be cleaned up")
	})

	t.Run("fails when a file is in the way", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		writeFile(t, blocker, "x")

		err := EnsureDirWritable(filepath.Join(blocker, "sub"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotWritable))
	})
}

func TestMoveRename_Simple(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "skyrim", "mod.zip")
	dst := filepath.Join(root, "skyrimse", "mod.zip")
	writeFile(t, src, "payload")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	final, err := MoveRename(src, dst)
	require.NoError(t, err)

	assert.Equal(t, dst, final)
	assert.NoFileExists(t, src)
	assert.Equal(t, "payload", readFile(t, dst))
}

func TestMoveRename_CollisionKeepsExistingFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "skyrim", "mod.zip")
	dst := filepath.Join(root, "skyrimse", "mod.zip")
	writeFile(t, src, "moved")
	writeFile(t, dst, "unrelated")
	writeFile(t, NextName(dst, 1), "also unrelated")

	final, err := MoveRename(src, dst)
	require.NoError(t, err)

	assert.Equal(t, NextName(dst, 2), final)
	assert.NotEqual(t, filepath.Base(src), filepath.Base(final))
	assert.Equal(t, "unrelated", readFile(t, dst))
	assert.Equal(t, "also unrelated", readFile(t, NextName(dst, 1)))
	assert.Equal(t, "moved", readFile(t, final))
	assert.NoFileExists(t, src)
}

func TestMoveRename_SamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mod.zip")
	writeFile(t, path, "payload")

	final, err := MoveRename(path, path)
	require.NoError(t, err)
	assert.Equal(t, path, final)
	assert.Equal(t, "payload", readFile(t, path))
}

func TestMoveRename_MissingSource(t *testing.T) {
	root := t.TempDir()
	dst := filepath.Join(root, "out", "mod.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	_, err := MoveRename(filepath.Join(root, "missing.zip"), dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileSystem))
	assert.NoFileExists(t, dst, "nothing may be reserved when the source is missing")
}

func TestMoveRename_RenameFailureRemovesPlaceholder(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a", "mod.zip")
	dst := filepath.Join(root, "b", "mod.zip")
	writeFile(t, src, "payload")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	orig := rename
	rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EACCES}
	}
	t.Cleanup(func() { rename = orig })

	_, err := MoveRename(src, dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileSystem))
	assert.NoFileExists(t, dst)
	assert.FileExists(t, src)
}

func TestMoveRename_CrossDeviceCopies(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a", "mod.zip")
	dst := filepath.Join(root, "b", "mod.zip")
	writeFile(t, src, "cross device payload")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	orig := rename
	rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	t.Cleanup(func() { rename = orig })

	final, err := MoveRename(src, dst)
	require.NoError(t, err)
	assert.Equal(t, dst, final)
	assert.Equal(t, "cross device payload", readFile(t, dst))
	assert.NoFileExists(t, src)
}

func TestMoveRename_CrossDeviceInsufficientSpace(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a", "mod.zip")
	dst := filepath.Join(root, "b", "mod.zip")
	writeFile(t, src, "too big for the target")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	origRename, origFree := rename, freeSpace
	rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	freeSpace = func(string) (uint64, error) { return 1, nil }
	t.Cleanup(func() { rename, freeSpace = origRename, origFree })

	_, err := MoveRename(src, dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientSpace))
	assert.FileExists(t, src)
	assert.NoFileExists(t, dst)
}

func TestCopyRename(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "incoming", "mod.zip")
	dst := filepath.Join(root, "skyrim", "mod.zip")
	writeFile(t, src, "copied payload")
	writeFile(t, dst, "already here")

	final, err := CopyRename(src, dst)
	require.NoError(t, err)
	assert.Equal(t, NextName(dst, 1), final)
	assert.Equal(t, "copied payload", readFile(t, final))
	assert.Equal(t, "already here", readFile(t, dst))
	assert.FileExists(t, src)

	_, err = CopyRename(filepath.Join(root, "missing.zip"), dst)
	assert.True(t, errors.Is(err, ErrFileSystem))
}

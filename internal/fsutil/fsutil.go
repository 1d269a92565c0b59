// Package fsutil holds the filesystem primitives used to relocate downloads:
// making sure a directory can be written to and moving a file into it without
// ever replacing a file that is already there.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go-mod-downloads/internal/helpers"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
)

var (
	ErrFileSystem        = errors.New("filesystem error")
	ErrNotWritable       = errors.New("directory is not writable")
	ErrInsufficientSpace = errors.New("insufficient free space at destination")
	ErrCopyMismatch      = errors.New("copied file does not match source")
)

// maxNameAttempts bounds the counter search in reserveName.
const maxNameAttempts = 10000

// rename is swapped out in tests to simulate cross-device moves.
var rename = os.Rename

// freeSpace reports the bytes available to the user at dir.
var freeSpace = func(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// FS is the production implementation of the filesystem operations the
// reassignment service needs.
type FS struct{}

func (FS) EnsureDirWritable(dir string) error { return EnsureDirWritable(dir) }

func (FS) MoveRename(src, dst string) (string, error) { return MoveRename(src, dst) }

// EnsureDirWritable creates dir if it is missing and verifies that files can
// be created inside it.
func EnsureDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating directory %s: %w", ErrNotWritable, dir, err)
	}

	testFile, err := os.CreateTemp(dir, ".writetest-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotWritable, dir, err)
	}
	testName := testFile.Name()
	_ = testFile.Close()
	if err := os.Remove(testName); err != nil {
		log.WithError(err).Warnf("[fsutil] Failed to remove write test file %s", testName)
	}
	return nil
}

// NextName returns the n-th alternative for path: "mod.zip" becomes "mod.1.zip".
func NextName(path string, n int) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, n, ext))
}

// reserveName atomically creates an empty placeholder at path or at the first
// free NextName alternative and returns the reserved path.
func reserveName(path string) (string, error) {
	candidate := path
	for i := 1; i <= maxNameAttempts; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_ = f.Close()
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: reserving %s: %w", ErrFileSystem, candidate, err)
		}
		log.Debugf("[fsutil] %s exists, trying next name", candidate)
		candidate = NextName(path, i)
	}
	return "", fmt.Errorf("%w: no free name for %s after %d attempts", ErrFileSystem, path, maxNameAttempts)
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// MoveRename moves the regular file src to dst. If dst is taken, a counter is
// inserted before the extension until a free name is found. It returns the
// path the file ended up at.
func MoveRename(src, dst string) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("%w: source %s: %w", ErrFileSystem, src, err)
	}
	if !srcInfo.Mode().IsRegular() {
		return "", fmt.Errorf("%w: source %s is not a regular file", ErrFileSystem, src)
	}
	if samePath(src, dst) {
		log.Debugf("[fsutil] Source and destination are the same (%s), nothing to move", dst)
		return dst, nil
	}

	finalPath, err := reserveName(dst)
	if err != nil {
		return "", err
	}

	// Renaming over our own placeholder is atomic on the same filesystem.
	if err := rename(src, finalPath); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			removePlaceholder(finalPath)
			return "", fmt.Errorf("%w: moving %s to %s: %w", ErrFileSystem, src, finalPath, err)
		}
		log.Infof("[fsutil] %s and %s are on different devices, copying", src, finalPath)
		if err := copyVerify(src, finalPath, srcInfo); err != nil {
			removePlaceholder(finalPath)
			return "", err
		}
		if err := os.Remove(src); err != nil {
			// The verified copy stands either way.
			log.WithError(err).Warnf("[fsutil] Copied %s but could not remove the original", src)
		}
	}

	log.Debugf("[fsutil] Moved %s to %s", src, finalPath)
	return finalPath, nil
}

// CopyRename copies the regular file src to dst, picking a free name the same
// way MoveRename does. src is left in place.
func CopyRename(src, dst string) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("%w: source %s: %w", ErrFileSystem, src, err)
	}
	if !srcInfo.Mode().IsRegular() {
		return "", fmt.Errorf("%w: source %s is not a regular file", ErrFileSystem, src)
	}
	if samePath(src, dst) {
		return dst, nil
	}

	finalPath, err := reserveName(dst)
	if err != nil {
		return "", err
	}
	if err := copyVerify(src, finalPath, srcInfo); err != nil {
		removePlaceholder(finalPath)
		return "", err
	}
	log.Debugf("[fsutil] Copied %s to %s", src, finalPath)
	return finalPath, nil
}

func removePlaceholder(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warnf("[fsutil] Failed to remove placeholder %s", path)
	}
}

// copyVerify copies src into the already reserved dst and compares the
// BLAKE3 digests of both.
func copyVerify(src, dst string, srcInfo os.FileInfo) error {
	size := srcInfo.Size()
	if free, err := freeSpace(filepath.Dir(dst)); err != nil {
		log.WithError(err).Debugf("[fsutil] Could not determine free space at %s", filepath.Dir(dst))
	} else if free < uint64(size) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace,
			helpers.BytesToSize(uint64(size)), helpers.BytesToSize(free))
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrFileSystem, src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrFileSystem, dst, err)
	}

	pr, pw := io.Pipe()
	hashCh := make(chan string, 1)
	go func() {
		sum, _ := helpers.HashReader(pr)
		hashCh <- sum
	}()

	_, copyErr := io.Copy(io.MultiWriter(out, pw), in)
	_ = pw.CloseWithError(copyErr)
	srcHash := <-hashCh

	if copyErr == nil {
		copyErr = out.Sync()
	}
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("%w: copying %s to %s: %w", ErrFileSystem, src, dst, copyErr)
	}

	dstHash, err := helpers.HashFile(dst)
	if err != nil {
		return fmt.Errorf("%w: hashing %s: %w", ErrFileSystem, dst, err)
	}
	if srcHash == "" || srcHash != dstHash {
		return fmt.Errorf("%w: %s", ErrCopyMismatch, dst)
	}

	if err := os.Chmod(dst, srcInfo.Mode().Perm()); err != nil {
		log.WithError(err).Debugf("[fsutil] Could not copy permissions to %s", dst)
	}
	return nil
}

package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go-mod-downloads/internal/fsutil"
	"go-mod-downloads/internal/helpers"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Custom Downloader Errors
var (
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest = errors.New("HTTP request error")
)

// fallbackName is used when neither the response nor the URL names the file.
const fallbackName = "download"

// Getter fetches a URL. *api.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Result describes a finished download.
type Result struct {
	FileName string
	Size     int64
	Hash     string
	// Existing is set when an identical file was already present under
	// FileName and the new copy was discarded.
	Existing bool
}

// Downloader fetches files into download directories.
type Downloader struct {
	client Getter
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client Getter) *Downloader {
	return &Downloader{client: client}
}

// DownloadFile fetches url into targetDir. The file name comes from the
// Content-Disposition header or the URL path; if that name is taken by a
// different file a counter is appended.
func (d *Downloader) DownloadFile(ctx context.Context, targetDir string, rawURL string) (Result, error) {
	if !helpers.CheckAndMakeDir(targetDir) {
		return Result{}, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	log.Infof("[Fetch] Downloading %s", rawURL)
	resp, err := d.client.Get(ctx, rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrHttpRequest, err)
	}
	defer resp.Body.Close()

	tempFile, err := os.CreateTemp(targetDir, ".download-*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temporary file in %s: %w", ErrFileSystem, targetDir, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("[Fetch] Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	size, hash, sniffed, err := downloadToTemp(resp, tempFile)
	if err != nil {
		return Result{}, err
	}

	name := filenameFromResponse(resp)
	if name == "" {
		name = filenameFromURL(rawURL)
	}
	if filepath.Ext(name) == "" {
		name += extensionFor(http.DetectContentType(sniffed))
	}

	target := filepath.Join(targetDir, name)
	if helpers.CheckHash(target, hash) {
		log.Infof("[Fetch] %s already present with identical content, discarding new copy", target)
		return Result{FileName: name, Size: size, Hash: hash, Existing: true}, nil
	}

	finalPath, err := fsutil.MoveRename(tempFile.Name(), target)
	if err != nil {
		return Result{}, fmt.Errorf("%w: storing %s: %w", ErrFileSystem, target, err)
	}
	shouldCleanupTemp = false

	log.Infof("[Fetch] Saved %s (%s)", finalPath, helpers.BytesToSize(uint64(size)))
	return Result{FileName: filepath.Base(finalPath), Size: size, Hash: hash}, nil
}

// downloadToTemp writes the body to tempFile, hashing it on the way. It
// returns the first bytes of the body for content sniffing.
func downloadToTemp(resp *http.Response, tempFile *os.File) (int64, string, []byte, error) {
	expected, _ := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	log.Debugf("[Fetch] Writing to %s (Size: %s)", tempFile.Name(), helpers.BytesToSize(expected))

	hasher := blake3.New()
	sniff := &headWriter{limit: 512}
	counter := &helpers.CounterWriter{Writer: io.MultiWriter(tempFile, hasher, sniff)}

	if _, err := io.Copy(counter, resp.Body); err != nil {
		_ = tempFile.Close()
		return 0, "", nil, fmt.Errorf("writing to temporary file %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, "", nil, fmt.Errorf("%w: closing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	return int64(counter.Total), fmt.Sprintf("%x", hasher.Sum(nil)), sniff.buf, nil
}

// headWriter keeps the first limit bytes written to it.
type headWriter struct {
	buf   []byte
	limit int
}

func (h *headWriter) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

// filenameFromResponse extracts filename from Content-Disposition header
func filenameFromResponse(resp *http.Response) string {
	contentDisposition := resp.Header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		log.WithError(err).Warnf("[Fetch] Could not parse Content-Disposition header: %s", contentDisposition)
		return ""
	}
	return cleanFileName(params["filename"])
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackName
	}
	name := cleanFileName(path.Base(u.Path))
	if name == "" {
		return fallbackName
	}
	return name
}

// cleanFileName reduces a server-supplied name to a plain base name.
func cleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimSpace(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.TrimLeft(name, ".")
}

var archiveExtensions = map[string]string{
	"application/zip":              ".zip",
	"application/x-rar-compressed": ".rar",
	"application/x-gzip":           ".gz",
	"application/pdf":              ".pdf",
}

// extensionFor maps a sniffed MIME type to a file extension. 7z archives
// are not recognized by the sniffer and end up as ".bin".
func extensionFor(mimeType string) string {
	mimeType = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	if ext, ok := archiveExtensions[mimeType]; ok {
		return ext
	}
	if strings.HasPrefix(mimeType, "text/") {
		return ".txt"
	}
	return ".bin"
}

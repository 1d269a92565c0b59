package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

var (
	whitespaceRegex  = regexp.MustCompile(`\s+`)
	disallowedRegex  = regexp.MustCompile(`[^a-z0-9_.\-]`)
	underscoresRegex = regexp.MustCompile(`_+`)
	dashesRegex      = regexp.MustCompile(`-+`)
	dotsRegex        = regexp.MustCompile(`\.{2,}`)
)

// ConvertToSlug lowercases s and reduces it to characters that are safe in a
// single path segment: letters, digits, '_', '-' and '.'.
func ConvertToSlug(s string) string {
	slug := strings.ToLower(strings.TrimSpace(s))
	slug = strings.ReplaceAll(slug, ":", "-")
	slug = whitespaceRegex.ReplaceAllString(slug, "_")
	slug = disallowedRegex.ReplaceAllString(slug, "")
	slug = underscoresRegex.ReplaceAllString(slug, "_")
	slug = dashesRegex.ReplaceAllString(slug, "-")
	slug = dotsRegex.ReplaceAllString(slug, ".")
	for strings.Contains(slug, "_-") || strings.Contains(slug, "-_") {
		slug = strings.ReplaceAll(slug, "_-", "-")
		slug = strings.ReplaceAll(slug, "-_", "-")
	}
	return strings.Trim(slug, "_-.")
}

// BytesToSize renders a byte count with a binary unit suffix.
func BytesToSize(bytes uint64) string {
	if bytes == 0 {
		return "0B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return fmt.Sprintf("%.2f%s", value, units[i])
}

// SanitizePath cleans p and makes it relative, dropping any leading
// separators and parent-directory segments that would escape the root.
func SanitizePath(p string) string {
	cleaned := filepath.Clean(string(filepath.Separator) + p)
	return strings.TrimPrefix(cleaned, string(filepath.Separator))
}

// CheckAndMakeDir makes sure dir exists. It returns false if it could not be created.
func CheckAndMakeDir(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// CounterWriter counts the bytes written through it.
type CounterWriter struct {
	Writer io.Writer
	Total  uint64
}

func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

// HashFile returns the hex BLAKE3-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader returns the hex BLAKE3-256 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckHash reports whether the file at path has the given BLAKE3 digest.
// An empty expected digest never matches.
func CheckHash(path string, expected string) bool {
	if expected == "" {
		return false
	}
	actual, err := HashFile(path)
	if err != nil {
		log.WithError(err).Debugf("Could not hash %s", path)
		return false
	}
	return strings.EqualFold(actual, expected)
}

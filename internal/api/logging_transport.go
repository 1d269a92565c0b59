package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a textual response body is written to the log.
const maxLoggedBody = 64 * 1024

// LoggingTransport wraps an http.RoundTripper and appends request and
// response headers to a log file. Textual response bodies (error pages, JSON)
// are logged too; archive payloads never are.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewLoggingTransport opens logFilePath for appending and wraps transport
// (http.DefaultTransport when nil).
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	safeLogFilePath := filepath.Clean(logFilePath)
	// #nosec G304
	f, err := os.OpenFile(safeLogFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open HTTP log file %s: %w", safeLogFilePath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	log.Debugf("[HTTPLog] Logging HTTP traffic to %s", safeLogFilePath)
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	// Request bodies are never interesting for downloads.
	if reqDump, err := httputil.DumpRequestOut(req, false); err != nil {
		log.WithError(err).Warn("[HTTPLog] Failed to dump request for logging")
	} else {
		t.write(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.write(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), duration, err.Error()))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	respDump, _ := httputil.DumpResponse(resp, false)
	if !isTextual(contentType) {
		t.write(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s(Body not logged)", time.Now().Format(time.RFC3339), duration, respDump))
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody+1))
	if readErr != nil {
		log.WithError(readErr).Warn("[HTTPLog] Failed to read response body for logging")
		t.write(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s(Body read failed)", time.Now().Format(time.RFC3339), duration, respDump))
		return resp, nil
	}
	// Hand the caller the bytes already consumed followed by the rest.
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(bodyBytes), resp.Body), resp.Body}

	logged := bodyBytes
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
	}
	t.write(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s--- Response Body (%s) ---\n%s",
		time.Now().Format(time.RFC3339), duration, respDump, contentType, logged))
	return resp, nil
}

func isTextual(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.HasPrefix(contentType, "application/json") ||
		strings.HasPrefix(contentType, "application/xml")
}

func (t *LoggingTransport) write(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to HTTP log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		log.WithError(err).Error("[HTTPLog] Failed to flush log writer")
	}
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush HTTP log buffer: %w", errFlush)
	}
	return errClose
}

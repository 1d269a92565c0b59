package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("request unauthorized")
	ErrNotFound     = errors.New("resource not found")
	ErrServerError  = errors.New("server error")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
)

const (
	DefaultUserAgent  = "mod-downloads/1.0"
	DefaultMaxRetries = 3
)

// Client performs GET requests for downloads, retrying on rate limits,
// server errors and transport failures.
type Client struct {
	HttpClient *http.Client
	UserAgent  string
	MaxRetries int
	// Backoff returns how long to wait before retry attempt (1-based).
	Backoff func(attempt int, rateLimited bool) time.Duration
}

// NewClient creates a client from the fetch settings. httpClient may be nil.
func NewClient(cfg models.FetchConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := 15 * time.Minute
		if cfg.TimeoutSec > 0 {
			timeout = time.Duration(cfg.TimeoutSec) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Client{
		HttpClient: httpClient,
		UserAgent:  userAgent,
		MaxRetries: maxRetries,
		Backoff:    defaultBackoff,
	}
}

func defaultBackoff(attempt int, rateLimited bool) time.Duration {
	if rateLimited {
		return time.Duration(attempt) * 5 * time.Second
	}
	return time.Duration(attempt) * 2 * time.Second
}

// Get requests url and returns the response once it has status 200. The
// caller closes the body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request for %s: %w", url, err)
		}
		req.Header.Set("User-Agent", c.UserAgent)

		resp, err := c.HttpClient.Do(req)
		rateLimited := false
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt, c.MaxRetries, err)
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			rateLimited = true
			lastErr = ErrRateLimited
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			drain(resp)
			return nil, fmt.Errorf("%w: status %d from %s", ErrUnauthorized, resp.StatusCode, url)
		case resp.StatusCode == http.StatusNotFound:
			drain(resp)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
		default:
			drain(resp)
			return nil, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
		}
		if resp != nil {
			drain(resp)
		}

		if attempt == c.MaxRetries {
			break
		}
		wait := c.Backoff(attempt, rateLimited)
		log.WithError(lastErr).Warnf("[Fetch] Retrying (%d/%d) after %s...", attempt, c.MaxRetries, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	log.WithError(lastErr).Errorf("[Fetch] Request for %s failed after %d attempts", url, c.MaxRetries)
	return nil, lastErr
}

// drain discards and closes a body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Package httpclient wraps net/http with retry and backoff tuned for LLM
// provider APIs: exponential backoff for transient server errors, and
// Retry-After aware delays for rate limits.
package httpclient

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Client retries failed requests. Requests must set GetBody so the body
// can be replayed on retry.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxRetries sets how many times a retryable request is reattempted.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff delay; later attempts double it.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// New creates a client with sensible defaults for provider traffic.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable reports whether the status code is worth another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do executes the request, retrying transient failures with backoff. The
// response body of failed attempts is closed; the caller owns the body of
// the returned response.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to replay request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case !retryable(resp.StatusCode):
			return resp, nil
		default:
			lastErr = fmt.Errorf("request failed with status %d", resp.StatusCode)
		}

		if attempt >= c.maxRetries {
			if resp != nil {
				return resp, nil
			}
			return nil, fmt.Errorf("request failed after %d attempts: %w", attempt+1, lastErr)
		}

		delay := c.backoff(attempt)
		if resp != nil {
			if ra := retryAfter(resp.Header); ra > delay {
				delay = ra
			}
			resp.Body.Close()
		}
		if delay > c.maxDelay {
			delay = c.maxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
}

// retryAfter honors the Retry-After header both providers send on 429.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

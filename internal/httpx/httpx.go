// Package httpx holds the JSON-over-HTTP plumbing shared by the provider
// transports: bearer auth, bounded exponential retry on transient failures and
// artifact downloads.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

var (
	// ErrServerError marks a 5xx response.
	ErrServerError = errors.New("server error")
	// ErrRateLimited marks a 429 response.
	ErrRateLimited = errors.New("rate limited")
	// ErrRequestFailed marks any other non-2xx response.
	ErrRequestFailed = errors.New("request failed")
)

// maxRetryAfter caps how long a Retry-After header can stall a caller.
const maxRetryAfter = 30 * time.Second

// StatusError is a non-2xx response. Body is truncated.
type StatusError struct {
	Code int
	Body string

	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Unwrap classifies the status so callers can match with errors.Is.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code >= 500:
		return ErrServerError
	case e.Code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrRequestFailed
	}
}

// transientError marks a failure worth retrying: network errors, 5xx and 429.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err came from a network failure, a 5xx or a 429,
// including after the retry budget was spent.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Caller issues authenticated JSON requests against one service.
type Caller struct {
	// Service prefixes every error, e.g. "runpod".
	Service string
	Token   string
	Client  *http.Client

	MaxRetries int
	Backoff    time.Duration
}

// NewCaller returns a Caller with a 30s client timeout, three retries and a
// one second initial backoff.
func NewCaller(service string) *Caller {
	return &Caller{
		Service:    service,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxRetries: 3,
		Backoff:    time.Second,
	}
}

// JSON sends in (nil for no body) and decodes the response into out (nil to
// discard it). Transient failures are retried with doubling backoff.
func (c *Caller) JSON(ctx context.Context, method, url string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.Service, err)
		}
	}

	backoff := c.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			var se *StatusError
			if errors.As(lastErr, &se) && se.retryAfter > 0 {
				wait = se.retryAfter
			}
			select {
			case <-ctx.Done():
				// Running out of time is not the provider's verdict on the job.
				return &transientError{err: fmt.Errorf("%s: context cancelled: %w", c.Service, ctx.Err())}
			case <-time.After(wait):
			}
			backoff *= 2
		}

		err := c.once(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: max retries exceeded: %w", c.Service, lastErr)
}

func (c *Caller) once(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.Service, err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("%s: %s %s: %w", c.Service, method, url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &transientError{err: fmt.Errorf("%s: read response: %w", c.Service, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode, Body: truncate(raw, 512)}
		wrapped := fmt.Errorf("%s: %w", c.Service, se)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			se.retryAfter = retryAfter(resp.Header.Get("Retry-After"))
			return &transientError{err: wrapped}
		}
		return wrapped
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: unmarshal response: %w", c.Service, err)
		}
	}
	return nil
}

// Download streams url into destPath. Network errors and 5xx are transient.
func Download(ctx context.Context, client *http.Client, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("download: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &transientError{err: fmt.Errorf("download: %w", se)}
		}
		return fmt.Errorf("download: %w", se)
	}

	out, err := os.Create(destPath) // #nosec G304 - destPath is built by the caller under its temp dir
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return &transientError{err: fmt.Errorf("copy download data: %w", err)}
	}
	return out.Close()
}

// retryAfter parses the delta-seconds form only.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

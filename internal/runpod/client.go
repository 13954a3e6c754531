package runpod

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/maauso/genforge/internal/httpx"
)

var (
	ErrEndpointIDRequired = errors.New("runpod: endpoint ID is required")
	ErrAPIKeyNotSet       = errors.New("runpod: RUNPOD_API_KEY environment variable is not set")
	ErrJobIDRequired      = errors.New("runpod: job ID is required")
	ErrNoJobIDReturned    = errors.New("runpod: submit failed: no job ID returned")
	ErrSubmitFailed       = errors.New("runpod: submit failed")

	// Response classes, shared with every other transport.
	ErrServerError   = httpx.ErrServerError
	ErrRateLimited   = httpx.ErrRateLimited
	ErrRequestFailed = httpx.ErrRequestFailed
)

// Client is one RunPod serverless endpoint.
type Client interface {
	Submit(ctx context.Context, in Input) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
	// Cancel asks the endpoint to drop a queued or running job.
	Cancel(ctx context.Context, jobID string) error
}

var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to https://api.runpod.ai/v2/{endpoint}.
type HTTPClient struct {
	endpointID string
	baseURL    string
	caller     *httpx.Caller
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key. Without it RUNPOD_API_KEY is used.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) { c.caller.Token = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.caller.Client = hc }
}

// WithBaseURL points the client at another API root, mainly for tests.
func WithBaseURL(url string) ClientOption {
	return func(c *HTTPClient) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithMaxRetries bounds retries of transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) { c.caller.MaxRetries = n }
}

// WithBaseBackoff sets the first retry delay; it doubles per attempt.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.caller.Backoff = d }
}

// NewClient returns a client bound to endpointID.
func NewClient(endpointID string, opts ...ClientOption) (*HTTPClient, error) {
	if endpointID == "" {
		return nil, ErrEndpointIDRequired
	}

	c := &HTTPClient{
		endpointID: endpointID,
		baseURL:    "https://api.runpod.ai/v2",
		caller:     httpx.NewCaller("runpod"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.caller.Token == "" {
		c.caller.Token = os.Getenv("RUNPOD_API_KEY")
	}
	if c.caller.Token == "" {
		return nil, ErrAPIKeyNotSet
	}
	return c, nil
}

func (c *HTTPClient) url(parts ...string) string {
	return c.baseURL + "/" + c.endpointID + "/" + strings.Join(parts, "/")
}

// Submit queues a job with POST /run.
func (c *HTTPClient) Submit(ctx context.Context, in Input) (string, error) {
	req := runRequest{Input: runInput{
		Prompt:        in.Prompt,
		Text:          in.Text,
		Style:         in.Style,
		Duration:      in.DurationSec,
		Resolution:    in.Resolution,
		Variant:       in.Variant,
		GenerateAudio: in.Audio,
	}}

	var resp runResponse
	if err := c.caller.JSON(ctx, http.MethodPost, c.url("run"), req, &resp); err != nil {
		return "", err
	}

	switch {
	case resp.ID != "":
		return resp.ID, nil
	case resp.Error != "":
		return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
	default:
		return "", ErrNoJobIDReturned
	}
}

// Poll reads GET /status/{id}.
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (PollResult, error) {
	if jobID == "" {
		return PollResult{}, ErrJobIDRequired
	}

	var resp statusResponse
	if err := c.caller.JSON(ctx, http.MethodGet, c.url("status", jobID), nil, &resp); err != nil {
		return PollResult{}, err
	}
	return resp.result(), nil
}

// Cancel posts to /cancel/{id}. Cancelling a finished job is not an error.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	return c.caller.JSON(ctx, http.MethodPost, c.url("cancel", jobID), nil, nil)
}

// IsTransient reports whether err came from a network failure, a 5xx or a 429,
// including after the retry budget was spent.
func IsTransient(err error) bool {
	return httpx.IsTransient(err)
}

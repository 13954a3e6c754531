package beam

import (
	"cmp"
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
	ErrQueueURLRequired = errors.New("beam: queue URL is required")
	ErrTokenNotSet      = errors.New("beam: token is required")
	ErrTaskIDRequired   = errors.New("beam: task ID is required")
	ErrNoTaskIDReturned = errors.New("beam: submit failed: no task ID returned")
	ErrSubmitFailed     = errors.New("beam: submit failed")
	ErrNoOutputURL      = errors.New("beam: no output URL in completed task")

	ErrServerError   = httpx.ErrServerError
	ErrRateLimited   = httpx.ErrRateLimited
	ErrRequestFailed = httpx.ErrRequestFailed
)

// Client is one Beam task queue plus the task API used to follow its tasks.
type Client interface {
	Submit(ctx context.Context, task Task) (taskID string, err error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
	Cancel(ctx context.Context, taskID string) error
	DownloadOutput(ctx context.Context, outputURL, destPath string) error
}

var _ Client = (*HTTPClient)(nil)

// HTTPClient submits to a queue URL and polls https://api.beam.cloud/v2.
type HTTPClient struct {
	queueURL   string
	apiBaseURL string
	caller     *httpx.Caller
	download   *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithToken sets the API token. Without it BEAM_TOKEN is used.
func WithToken(token string) ClientOption {
	return func(c *HTTPClient) { c.caller.Token = token }
}

// WithHTTPClient replaces the client used for API calls and downloads.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.caller.Client = hc
		c.download = hc
	}
}

// WithAPIBaseURL sets the root used for task status and cancel requests.
func WithAPIBaseURL(url string) ClientOption {
	return func(c *HTTPClient) { c.apiBaseURL = strings.TrimSuffix(url, "/") }
}

// WithMaxRetries bounds retries of transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) { c.caller.MaxRetries = n }
}

// WithBaseBackoff sets the first retry delay; it doubles per attempt.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.caller.Backoff = d }
}

// NewClient returns a client that submits to queueURL.
func NewClient(queueURL string, opts ...ClientOption) (*HTTPClient, error) {
	if queueURL == "" {
		return nil, ErrQueueURLRequired
	}

	c := &HTTPClient{
		queueURL:   queueURL,
		apiBaseURL: "https://api.beam.cloud/v2",
		caller:     httpx.NewCaller("beam"),
		// Artifacts can be large; the API timeout would cut them off.
		download: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.caller.Token == "" {
		c.caller.Token = os.Getenv("BEAM_TOKEN")
	}
	if c.caller.Token == "" {
		return nil, ErrTokenNotSet
	}
	return c, nil
}

// Submit posts the task to the queue.
func (c *HTTPClient) Submit(ctx context.Context, task Task) (string, error) {
	req := taskRequest{
		Prompt:     task.Prompt,
		Text:       task.Text,
		Style:      task.Style,
		Duration:   task.DurationSec,
		Resolution: task.Resolution,
		Variant:    task.Variant,
	}
	// Some deployments reject the field entirely, so it is only sent when set.
	if task.Audio {
		on := true
		req.GenerateAudio = &on
	}

	var resp taskResponse
	if err := c.caller.JSON(ctx, http.MethodPost, c.queueURL, req, &resp); err != nil {
		return "", err
	}

	switch {
	case resp.TaskID != "":
		return resp.TaskID, nil
	case resp.Error != "":
		return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
	default:
		return "", ErrNoTaskIDReturned
	}
}

// Poll reads GET /task/{id}/.
func (c *HTTPClient) Poll(ctx context.Context, taskID string) (PollResult, error) {
	if taskID == "" {
		return PollResult{}, ErrTaskIDRequired
	}

	var resp statusResponse
	if err := c.caller.JSON(ctx, http.MethodGet, c.apiBaseURL+"/task/"+taskID+"/", nil, &resp); err != nil {
		return PollResult{}, err
	}

	res := PollResult{Status: Status(resp.Status).normalize()}
	switch res.Status {
	case StatusCompleted:
		if res.OutputURL = resp.outputURL(); res.OutputURL == "" {
			res.Error = "no output URL available"
		}
	case StatusFailed, StatusError, StatusCanceled:
		res.Error = cmp.Or(resp.Error, strings.ToLower(resp.Status))
	}
	return res, nil
}

// Cancel asks Beam to stop the task.
func (c *HTTPClient) Cancel(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrTaskIDRequired
	}
	return c.caller.JSON(ctx, http.MethodDelete, c.apiBaseURL+"/task/cancel/",
		cancelRequest{TaskIDs: []string{taskID}}, nil)
}

// DownloadOutput streams a completed task's output to destPath.
func (c *HTTPClient) DownloadOutput(ctx context.Context, outputURL, destPath string) error {
	if outputURL == "" {
		return ErrNoOutputURL
	}
	if err := httpx.Download(ctx, c.download, outputURL, destPath); err != nil {
		return fmt.Errorf("beam: %w", err)
	}
	return nil
}

// IsTransient reports whether err came from a network failure, a 5xx or a 429,
// including after the retry budget was spent.
func IsTransient(err error) bool {
	return httpx.IsTransient(err)
}

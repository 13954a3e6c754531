package provider

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/maauso/genforge/internal/runpod"
)

// Compile-time check that RunPodAdapter implements Adapter.
var (
	_ Adapter  = (*RunPodAdapter)(nil)
	_ Canceler = (*RunPodAdapter)(nil)
)

// RunPodAdapter adapts a RunPod serverless endpoint to the Adapter interface.
type RunPodAdapter struct {
	client     runpod.Client
	httpClient *http.Client
}

// NewRunPodAdapter creates a new RunPod adapter.
func NewRunPodAdapter(client runpod.Client) *RunPodAdapter {
	return &RunPodAdapter{
		client:     client,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithDownloadClient sets the HTTP client used to fetch URL results.
func (a *RunPodAdapter) WithDownloadClient(c *http.Client) *RunPodAdapter {
	a.httpClient = c
	return a
}

// Submit sends the request to the endpoint.
func (a *RunPodAdapter) Submit(ctx context.Context, req Request) (string, error) {
	in := runpod.Input{
		Prompt:      cmp.Or(req.Visual, req.Config.Prompt),
		Text:        req.Narrative,
		Style:       req.Style,
		DurationSec: req.Config.DurationSec,
		Resolution:  req.Config.Resolution,
		Variant:     req.Config.Variant,
		Audio:       req.Config.Audio,
	}
	jobID, err := a.client.Submit(ctx, in)
	if err != nil {
		return "", wrapRunPod("submit", err)
	}
	return jobID, nil
}

// Poll maps RunPod statuses onto processing, completed or error.
func (a *RunPodAdapter) Poll(ctx context.Context, jobID string) (PollResult, error) {
	result, err := a.client.Poll(ctx, jobID)
	if err != nil {
		return PollResult{}, wrapRunPod("poll", err)
	}

	switch result.Status {
	case runpod.StatusCompleted:
		if result.Output == "" {
			return PollResult{State: StateError, Reason: result.Error}, nil
		}
		return PollResult{State: StateCompleted, ResultRef: result.Output}, nil
	case runpod.StatusFailed, runpod.StatusCancelled, runpod.StatusTimedOut:
		return PollResult{State: StateError, Reason: result.Error}, nil
	default:
		// IN_QUEUE, IN_PROGRESS, RUNNING and anything new RunPod reports.
		return PollResult{State: StateProcessing}, nil
	}
}

// Fetch writes a URL or inline base64 result to destPath.
func (a *RunPodAdapter) Fetch(ctx context.Context, resultRef, destPath string) error {
	if err := fetchArtifact(ctx, a.httpClient, resultRef, destPath); err != nil {
		return fmt.Errorf("runpod adapter fetch: %w", err)
	}
	return nil
}

// Cancel drops the job on the endpoint.
func (a *RunPodAdapter) Cancel(ctx context.Context, jobID string) error {
	if err := a.client.Cancel(ctx, jobID); err != nil {
		return wrapRunPod("cancel", err)
	}
	return nil
}

func wrapRunPod(op string, err error) error {
	if runpod.IsTransient(err) {
		return fmt.Errorf("%w: runpod adapter %s: %w", ErrTransient, op, err)
	}
	return fmt.Errorf("runpod adapter %s: %w", op, err)
}

package provider

import (
	"cmp"
	"context"
	"fmt"

	"github.com/maauso/genforge/internal/beam"
)

// Compile-time check that BeamAdapter implements Adapter.
var (
	_ Adapter  = (*BeamAdapter)(nil)
	_ Canceler = (*BeamAdapter)(nil)
)

// BeamAdapter adapts a Beam task queue to the Adapter interface.
type BeamAdapter struct {
	client beam.Client
}

// NewBeamAdapter creates a new Beam adapter.
func NewBeamAdapter(client beam.Client) *BeamAdapter {
	return &BeamAdapter{client: client}
}

// Submit sends the request to the task queue.
func (a *BeamAdapter) Submit(ctx context.Context, req Request) (string, error) {
	task := beam.Task{
		Prompt:      cmp.Or(req.Visual, req.Config.Prompt),
		Text:        req.Narrative,
		Style:       req.Style,
		DurationSec: req.Config.DurationSec,
		Resolution:  req.Config.Resolution,
		Variant:     req.Config.Variant,
		Audio:       req.Config.Audio,
	}
	taskID, err := a.client.Submit(ctx, task)
	if err != nil {
		return "", wrapBeam("submit", err)
	}
	return taskID, nil
}

// Poll maps Beam statuses onto processing, completed or error.
func (a *BeamAdapter) Poll(ctx context.Context, taskID string) (PollResult, error) {
	result, err := a.client.Poll(ctx, taskID)
	if err != nil {
		return PollResult{}, wrapBeam("poll", err)
	}

	switch result.Status {
	case beam.StatusCompleted, beam.StatusComplete:
		if result.OutputURL == "" {
			return PollResult{State: StateError, Reason: result.Error}, nil
		}
		return PollResult{State: StateCompleted, ResultRef: result.OutputURL}, nil
	case beam.StatusFailed, beam.StatusError, beam.StatusCanceled:
		return PollResult{State: StateError, Reason: result.Error}, nil
	default:
		return PollResult{State: StateProcessing}, nil
	}
}

// Fetch downloads the output URL to destPath.
func (a *BeamAdapter) Fetch(ctx context.Context, resultRef, destPath string) error {
	if resultRef == "" {
		return ErrNoResult
	}
	if err := a.client.DownloadOutput(ctx, resultRef, destPath); err != nil {
		return wrapBeam("fetch", err)
	}
	return nil
}

// Cancel stops the task.
func (a *BeamAdapter) Cancel(ctx context.Context, taskID string) error {
	if err := a.client.Cancel(ctx, taskID); err != nil {
		return wrapBeam("cancel", err)
	}
	return nil
}

func wrapBeam(op string, err error) error {
	if beam.IsTransient(err) {
		return fmt.Errorf("%w: beam adapter %s: %w", ErrTransient, op, err)
	}
	return fmt.Errorf("beam adapter %s: %w", op, err)
}

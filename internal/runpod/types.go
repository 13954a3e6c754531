// Package runpod provides an HTTP client for RunPod serverless endpoints that run
// generative models (video, image and speech workers).
package runpod

import (
	"cmp"
	"strings"
)

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusRunning    Status = "RUNNING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Input is the generation request sent to a worker. Fields left empty are omitted.
type Input struct {
	Prompt      string // Generation prompt or visual description
	Text        string // Text to speak (speech workers and presenter videos)
	Style       string // Style direction
	DurationSec int    // Requested clip length in seconds
	Resolution  string // Resolution option such as "720p"
	Variant     string // Model variant
	Audio       bool   // Generate a soundtrack with the clip
}

// runRequest represents the request body for RunPod's /run endpoint.
type runRequest struct {
	Input runInput `json:"input"`
}

// runInput represents the input field in a RunPod run request.
type runInput struct {
	Prompt        string `json:"prompt,omitempty"`
	Text          string `json:"text,omitempty"`
	Style         string `json:"style,omitempty"`
	Duration      int    `json:"duration,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	Variant       string `json:"variant,omitempty"`
	GenerateAudio bool   `json:"generate_audio,omitempty"`
}

// runResponse represents the response from RunPod's /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from RunPod's /status endpoint.
type statusResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output statusOutput `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// statusOutput represents the output field in a status response.
// Workers return either a URL or inline base64 under one of these keys.
type statusOutput struct {
	URL   string `json:"url,omitempty"`
	Video string `json:"video,omitempty"`
	Image string `json:"image,omitempty"`
	Audio string `json:"audio,omitempty"`
}

func (o statusOutput) artifact() string {
	for _, v := range []string{o.URL, o.Video, o.Image, o.Audio} {
		if v != "" {
			return v
		}
	}
	return ""
}

// result folds a status response into a PollResult. Terminal failures always
// carry a reason.
func (r statusResponse) result() PollResult {
	res := PollResult{Status: Status(r.Status)}
	switch res.Status {
	case StatusCompleted:
		if res.Output = r.Output.artifact(); res.Output == "" {
			res.Error = "completed without output"
		}
	case StatusFailed, StatusCancelled, StatusTimedOut:
		res.Error = cmp.Or(r.Error, strings.ToLower(r.Status))
	}
	return res
}

// PollResult contains the result of polling a job's status.
type PollResult struct {
	Status Status
	Output string // URL or base64 artifact (only set when Status is StatusCompleted)
	Error  string // Error message (set when the job ended without output)
}

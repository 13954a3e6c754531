// Package beam provides an HTTP client for the Beam.cloud Task Queue API.
package beam

// Status represents the status of a Beam task.
type Status string

// Beam task statuses aligned with the Beam API.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusComplete  Status = "COMPLETE" // Beam sometimes returns "COMPLETE" instead of "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusError     Status = "ERROR"    // Beam returns "ERROR" when a task fails
	StatusCanceled  Status = "CANCELED" // Beam uses "CANCELED" (American spelling)
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusComplete, StatusFailed, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// Task contains the parameters of a generation task.
type Task struct {
	Prompt      string // Generation prompt or visual description
	Text        string // Narration to speak
	Style       string // Style direction
	DurationSec int    // Requested clip length in seconds
	Resolution  string // Resolution option such as "1080p"
	Variant     string // Model variant
	Audio       bool   // Generate a soundtrack with the clip
}

// normalize folds "COMPLETE" into StatusCompleted.
func (s Status) normalize() Status {
	if s == StatusComplete {
		return StatusCompleted
	}
	return s
}

// taskRequest represents the request body for Beam's task queue endpoint.
type taskRequest struct {
	Prompt        string `json:"prompt,omitempty"`
	Text          string `json:"text,omitempty"`
	Style         string `json:"style,omitempty"`
	Duration      int    `json:"duration,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	Variant       string `json:"variant,omitempty"`
	GenerateAudio *bool  `json:"generate_audio,omitempty"`
}

// taskResponse represents the response from Beam's task submission endpoint.
type taskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from Beam's task status endpoint.
type statusResponse struct {
	TaskID  string       `json:"task_id"`
	Status  string       `json:"status"`
	Outputs []taskOutput `json:"outputs,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func (r statusResponse) outputURL() string {
	for _, o := range r.Outputs {
		if o.URL != "" {
			return o.URL
		}
	}
	return ""
}

// cancelRequest is the body of the task cancel endpoint.
type cancelRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// taskOutput represents a single output file from a Beam task.
type taskOutput struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// PollResult contains the result of polling a task's status.
type PollResult struct {
	Status    Status
	OutputURL string // URL to download the output artifact
	Error     string // Error message (set when the task ended without output)
}

// Package unit provides the GenerationUnit aggregate: one billable request to a
// generative provider, with its lifecycle state machine and persistence ports.
package unit

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/genforge/internal/unit/id"
)

// Kind is the type of artifact a unit produces.
type Kind string

const (
	// KindVideo is a standalone video clip.
	KindVideo Kind = "video"
	// KindImage is a single still image.
	KindImage Kind = "image"
	// KindAudio is synthesized speech or other audio.
	KindAudio Kind = "audio"
	// KindScene is one ordered video piece of a decomposed script.
	KindScene Kind = "scene"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindVideo, KindImage, KindAudio, KindScene:
		return true
	}
	return false
}

// Status represents the current state of a Unit.
type Status string

const (
	// StatusPending is the initial state, set when the unit is created at submit time.
	StatusPending Status = "pending"
	// StatusProcessing means the provider accepted the job and returned an external id.
	StatusProcessing Status = "processing"
	// StatusCompleted means the provider produced a result.
	StatusCompleted Status = "completed"
	// StatusError means the unit failed permanently.
	StatusError Status = "error"
)

// Static errors for unit state changes.
var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyCharged is returned when the charged flag is set twice.
	ErrAlreadyCharged = errors.New("unit already charged")
	// ErrNotCompleted is returned when charging a unit that is not completed.
	ErrNotCompleted = errors.New("unit is not completed")
	// ErrOwnerUnknown is returned when charging a unit without an owner.
	ErrOwnerUnknown = errors.New("unit owner is unknown")
	// ErrExternalIDRequired is returned when starting a unit without a provider job id.
	ErrExternalIDRequired = errors.New("external job id is required")
)

// validTransitions defines which state transitions are allowed.
// Nothing skips processing except an immediate failure at submit time.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusError},
	StatusProcessing: {StatusCompleted, StatusError},
	StatusCompleted:  {},
	StatusError:      {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// Config holds the provider-specific parameters of a request.
type Config struct {
	// DurationSec is the requested clip length for video/scene units.
	DurationSec int `json:"duration_sec,omitempty"`
	// Resolution is a provider resolution option such as "720p".
	Resolution string `json:"resolution,omitempty"`
	// Variant selects a provider model variant; empty means the provider default.
	Variant string `json:"variant,omitempty"`
	// Audio asks the provider to generate a soundtrack.
	Audio bool `json:"audio,omitempty"`
	// Prompt is the generation prompt or text to speak.
	Prompt string `json:"prompt,omitempty"`
	// Characters is the billable text length for speech synthesis.
	Characters int `json:"characters,omitempty"`
}

// Unit represents one billable generation request.
type Unit struct {
	mu sync.RWMutex

	// ID is the unique identifier for this unit.
	ID string
	// Owner is the user the unit is billed to.
	Owner string
	// Kind is the artifact type.
	Kind Kind
	// Provider names the external service the unit is bound to.
	Provider string
	// Config holds the provider parameters.
	Config Config
	// Status is the current lifecycle state.
	Status Status
	// ExternalJobID is the id assigned by the provider on submit.
	ExternalJobID string
	// ResultRef locates the produced artifact (URL, base64 marker or storage key).
	ResultRef string
	// Charged is set exactly once, after the ledger recorded the charge.
	Charged bool
	// Error contains the failure reason if the unit ended in error.
	Error string

	// ScriptID links scene units to their script.
	ScriptID string
	// SceneIndex is the narrative position of a scene.
	SceneIndex int
	// Included is false for scenes the caller excluded from composition.
	Included bool
	// Narrative is the spoken or narrated text of a scene.
	Narrative string
	// Visual is the visual description of a scene.
	Visual string
	// Style is the style direction of a scene.
	Style string

	// Deadline is when a processing unit is given up on.
	Deadline time.Time
	// Version is incremented by the repository on every save.
	Version int64
	// CreatedAt is when the unit was created.
	CreatedAt time.Time
	// UpdatedAt is when the unit was last updated.
	UpdatedAt time.Time
	// StartedAt is when the provider accepted the job.
	StartedAt time.Time
	// CompletedAt is when the unit reached a terminal state.
	CompletedAt time.Time
}

// New creates a pending Unit with a generated ID.
func New(owner string, kind Kind, provider string, cfg Config) *Unit {
	return NewWithID(id.Generate(string(kind)), owner, kind, provider, cfg)
}

// NewWithID creates a pending Unit with the specified ID.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(unitID, owner string, kind Kind, provider string, cfg Config) *Unit {
	now := time.Now()
	return &Unit{
		ID:        unitID,
		Owner:     owner,
		Kind:      kind,
		Provider:  provider,
		Config:    cfg,
		Status:    StatusPending,
		Included:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the unit status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (u *Unit) TransitionTo(status Status) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.transitionLocked(status)
}

func (u *Unit) transitionLocked(status Status) error {
	if !canTransition(u.Status, status) {
		return ErrInvalidTransition
	}

	u.Status = status
	u.UpdatedAt = time.Now()

	switch status {
	case StatusProcessing:
		u.StartedAt = u.UpdatedAt
	case StatusCompleted, StatusError:
		u.CompletedAt = u.UpdatedAt
	}
	return nil
}

// Start records the provider job id and moves the unit from pending to processing.
// A zero deadline means the unit never times out.
func (u *Unit) Start(externalJobID string, deadline time.Time) error {
	if externalJobID == "" {
		return ErrExternalIDRequired
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.transitionLocked(StatusProcessing); err != nil {
		return err
	}
	u.ExternalJobID = externalJobID
	u.Deadline = deadline
	return nil
}

// Complete records the result location and moves the unit to completed.
func (u *Unit) Complete(resultRef string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	u.ResultRef = resultRef
	return nil
}

// Fail moves the unit to error with the given reason.
func (u *Unit) Fail(reason string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.transitionLocked(StatusError); err != nil {
		return err
	}
	u.Error = reason
	return nil
}

// MarkCharged flips the charged flag. It only succeeds once, on a completed unit
// whose owner is known.
func (u *Unit) MarkCharged() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch {
	case u.Charged:
		return ErrAlreadyCharged
	case u.Status != StatusCompleted:
		return ErrNotCompleted
	case u.Owner == "":
		return ErrOwnerUnknown
	}
	u.Charged = true
	u.UpdatedAt = time.Now()
	return nil
}

// SetIncluded marks a scene as included in or excluded from composition.
func (u *Unit) SetIncluded(included bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Included = included
	u.UpdatedAt = time.Now()
}

// GetStatus returns the current unit status (thread-safe).
func (u *Unit) GetStatus() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Status
}

// IsTerminal returns true if the unit is completed or in error.
func (u *Unit) IsTerminal() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Status == StatusCompleted || u.Status == StatusError
}

// Expired reports whether a processing unit has passed its deadline.
func (u *Unit) Expired(now time.Time) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Status == StatusProcessing && !u.Deadline.IsZero() && now.After(u.Deadline)
}

// NeedsReconciliation reports a completed unit whose charge was never recorded on it.
func (u *Unit) NeedsReconciliation() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Status == StatusCompleted && !u.Charged
}

// Clone creates a deep copy of the unit for safe reads.
func (u *Unit) Clone() *Unit {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return &Unit{
		ID:            u.ID,
		Owner:         u.Owner,
		Kind:          u.Kind,
		Provider:      u.Provider,
		Config:        u.Config,
		Status:        u.Status,
		ExternalJobID: u.ExternalJobID,
		ResultRef:     u.ResultRef,
		Charged:       u.Charged,
		Error:         u.Error,
		ScriptID:      u.ScriptID,
		SceneIndex:    u.SceneIndex,
		Included:      u.Included,
		Narrative:     u.Narrative,
		Visual:        u.Visual,
		Style:         u.Style,
		Deadline:      u.Deadline,
		Version:       u.Version,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		StartedAt:     u.StartedAt,
		CompletedAt:   u.CompletedAt,
	}
}

// Package script decomposes long-form scripts into provider-legal scenes and
// tracks the scripts those scenes belong to.
package script

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Static errors for scripts.
var (
	// ErrScriptNotFound is returned when a script cannot be found.
	ErrScriptNotFound = errors.New("script not found")
	// ErrScriptExists is returned when creating a script whose ID is taken.
	ErrScriptExists = errors.New("script already exists")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid script transition")
	// ErrAlreadyComposed is returned when changing scenes of a composed script.
	ErrAlreadyComposed = errors.New("script already composed")
	// ErrSceneNotInScript is returned when a scene id does not belong to the script.
	ErrSceneNotInScript = errors.New("scene does not belong to script")
	// ErrConcurrentUpdate is returned when a save races with another writer.
	ErrConcurrentUpdate = errors.New("script was modified concurrently")
)

// Status is the composition state of a script.
type Status string

const (
	// StatusDecomposed means scenes exist and may still be generating.
	StatusDecomposed Status = "decomposed"
	// StatusComposing means composition is running.
	StatusComposing Status = "composing"
	// StatusComposed means the final artifact exists at OutputRef.
	StatusComposed Status = "composed"
	// StatusFailed means the last composition attempt failed; it may be retried.
	StatusFailed Status = "failed"
)

var validTransitions = map[Status][]Status{
	StatusDecomposed: {StatusComposing},
	StatusComposing:  {StatusComposed, StatusFailed},
	StatusFailed:     {StatusComposing},
	StatusComposed:   {},
}

// Script groups ordered scene units.
type Script struct {
	mu sync.RWMutex

	ID       string
	Owner    string
	TotalSec int
	// SceneIDs lists scene units in narrative order.
	SceneIDs  []string
	Status    Status
	OutputRef string
	Error     string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a decomposed script. An empty id gets a generated one.
func New(id, owner string, totalSec int) *Script {
	if id == "" {
		id = "script-" + uuid.NewString()
	}
	now := time.Now()
	return &Script{
		ID:        id,
		Owner:     owner,
		TotalSec:  totalSec,
		Status:    StatusDecomposed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo changes the status if allowed.
func (s *Script) TransitionTo(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(status)
}

func (s *Script) transitionLocked(status Status) error {
	if !slices.Contains(validTransitions[s.Status], status) {
		return ErrInvalidTransition
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

// MarkComposed records the output and finishes composition.
func (s *Script) MarkComposed(outputRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusComposed); err != nil {
		return err
	}
	s.OutputRef = outputRef
	s.Error = ""
	return nil
}

// MarkFailed records why composition failed.
func (s *Script) MarkFailed(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusFailed); err != nil {
		return err
	}
	s.Error = reason
	return nil
}

// HasScene reports whether sceneID belongs to the script.
func (s *Script) HasScene(sceneID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.SceneIDs, sceneID)
}

// GetStatus returns the status (thread-safe).
func (s *Script) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// Clone returns a deep copy.
func (s *Script) Clone() *Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Script{
		ID:        s.ID,
		Owner:     s.Owner,
		TotalSec:  s.TotalSec,
		SceneIDs:  slices.Clone(s.SceneIDs),
		Status:    s.Status,
		OutputRef: s.OutputRef,
		Error:     s.Error,
		Version:   s.Version,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

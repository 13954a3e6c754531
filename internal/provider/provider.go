// Package provider defines the uniform adapter contract for external generative
// services and the capability descriptors that describe how they differ.
//
// Provider differences (duration domain, audio support, resolutions, concurrency)
// are data in a Capability. Code that drives units never branches on a provider name.
package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/maauso/genforge/internal/duration"
	"github.com/maauso/genforge/internal/unit"
)

// Static errors for provider operations.
var (
	// ErrTransient marks a failure worth retrying on the next poll cycle
	// (network failure, 5xx, rate limiting).
	ErrTransient = errors.New("provider: transient error")
	// ErrUnknownProvider is returned when no adapter is registered under a name.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrNoResult is returned when fetching an empty result reference.
	ErrNoResult = errors.New("provider: no result to fetch")
	// ErrInvalidCapability is returned when registering a malformed descriptor.
	ErrInvalidCapability = errors.New("provider: invalid capability")
)

// Role classifies video providers for scene planning.
type Role string

const (
	// RolePresenter providers render a speaking presenter.
	RolePresenter Role = "presenter"
	// RoleCinematic providers render narrative B-roll.
	RoleCinematic Role = "cinematic"
)

// Capability describes what a provider accepts.
type Capability struct {
	// Name is the registry key, e.g. "avatar".
	Name string `yaml:"name" json:"name"`
	// Kind is the artifact the provider produces.
	Kind unit.Kind `yaml:"kind" json:"kind"`
	// Role is set for video providers usable as scenes.
	Role Role `yaml:"role,omitempty" json:"role,omitempty"`
	// Durations is the accepted duration domain; zero for non-timed artifacts.
	Durations duration.Domain `yaml:"durations,omitempty" json:"durations,omitempty"`
	// Audio reports whether the provider can generate a soundtrack.
	Audio bool `yaml:"audio" json:"audio"`
	// Resolutions lists accepted resolution options; empty accepts anything.
	Resolutions []string `yaml:"resolutions,omitempty" json:"resolutions,omitempty"`
	// MaxConcurrency caps simultaneous submissions; 0 means 1.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// Timed reports whether the provider bills and constrains by duration.
func (c Capability) Timed() bool {
	return c.Durations.Kind != ""
}

// SupportsResolution reports whether res is accepted. An empty res always is.
func (c Capability) SupportsResolution(res string) bool {
	if res == "" || len(c.Resolutions) == 0 {
		return true
	}
	return slices.Contains(c.Resolutions, res)
}

// Validate checks the descriptor is usable.
func (c Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCapability)
	}
	if c.Kind == unit.KindScene || !c.Kind.IsValid() {
		return fmt.Errorf("%w: %s: kind must be video, image or audio", ErrInvalidCapability, c.Name)
	}
	if c.Timed() {
		if err := c.Durations.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidCapability, c.Name, err)
		}
	}
	if c.Role != "" && (c.Kind != unit.KindVideo || !c.Timed()) {
		return fmt.Errorf("%w: %s: scene roles need a timed video provider", ErrInvalidCapability, c.Name)
	}
	return nil
}

// Request is what an adapter submits.
type Request struct {
	UnitID    string
	Kind      unit.Kind
	Config    unit.Config
	Narrative string
	Visual    string
	Style     string
}

// NewRequest builds a submission request from a unit.
func NewRequest(u *unit.Unit) Request {
	c := u.Clone()
	return Request{
		UnitID:    c.ID,
		Kind:      c.Kind,
		Config:    c.Config,
		Narrative: c.Narrative,
		Visual:    c.Visual,
		Style:     c.Style,
	}
}

// State is the normalized provider status.
type State string

const (
	// StateProcessing covers every queued or running raw status.
	StateProcessing State = "processing"
	// StateCompleted means a result is available at ResultRef.
	StateCompleted State = "completed"
	// StateError means the provider reported a permanent failure.
	StateError State = "error"
)

// PollResult is the outcome of one poll.
type PollResult struct {
	State     State
	ResultRef string
	Reason    string
}

// Adapter is implemented once per external service.
type Adapter interface {
	// Submit sends the request and returns the provider's job id. It must return
	// quickly; long-running work is observed through Poll.
	Submit(ctx context.Context, req Request) (externalID string, err error)

	// Poll reports the job state. Errors wrapping ErrTransient mean "try again later".
	Poll(ctx context.Context, externalID string) (PollResult, error)

	// Fetch writes the artifact behind resultRef to destPath.
	Fetch(ctx context.Context, resultRef, destPath string) error
}

// Canceler is implemented by adapters whose provider can drop a job that is
// no longer wanted, such as one that outlived its deadline.
type Canceler interface {
	Cancel(ctx context.Context, externalID string) error
}

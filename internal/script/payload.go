package script

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/unit"
)

// ErrInvalidPayload is wrapped by every ValidationError.
var ErrInvalidPayload = errors.New("script: invalid payload")

// SceneSpec is one scene in an inbound script payload.
type SceneSpec struct {
	Text     string `json:"text"`
	Duration int    `json:"duration"`
	Provider string `json:"provider"`
	Visual   string `json:"visual,omitempty"`
	Style    string `json:"style,omitempty"`
}

// Payload is a pre-planned script pushed by an upstream writer.
type Payload struct {
	ScriptID string      `json:"script_id"`
	Owner    string      `json:"owner"`
	TotalSec int         `json:"total_sec"`
	Scenes   []SceneSpec `json:"scenes"`
}

// Violation is one rejected field. Index is -1 for payload-level problems.
type Violation struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation found in a payload.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Index < 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
			continue
		}
		parts = append(parts, fmt.Sprintf("scenes[%d].%s: %s", v.Index, v.Field, v.Message))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// CapabilitySource looks providers up by name. *provider.Registry implements it.
type CapabilitySource interface {
	Capability(name string) (provider.Capability, bool)
}

// ValidatePayload checks every scene against its provider and the scene
// durations against TotalSec, and returns the scenes as plans. Illegal
// durations are rejected, never coerced. A non-positive tolerance means
// DefaultTolerance.
func ValidatePayload(p Payload, caps CapabilitySource, tolerance float64) ([]Plan, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	var vs []Violation
	add := func(i int, field, format string, args ...any) {
		vs = append(vs, Violation{Index: i, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p.Owner == "" {
		add(-1, "owner", "is required")
	}
	if p.TotalSec < 1 {
		add(-1, "total_sec", "must be at least 1")
	}
	if len(p.Scenes) == 0 {
		add(-1, "scenes", "at least one scene is required")
	}

	sum := 0
	plans := make([]Plan, 0, len(p.Scenes))
	for i, s := range p.Scenes {
		sum += s.Duration
		if strings.TrimSpace(s.Text) == "" {
			add(i, "text", "is required")
		}
		c, ok := caps.Capability(s.Provider)
		switch {
		case s.Provider == "":
			add(i, "provider", "is required")
			continue
		case !ok:
			add(i, "provider", "unknown provider %q", s.Provider)
			continue
		case c.Kind != unit.KindVideo || !c.Timed():
			add(i, "provider", "%q cannot render scenes", s.Provider)
			continue
		}
		if !c.Durations.Legal(s.Duration) {
			add(i, "duration", "%ds is not legal for %s (%s %d..%d)", s.Duration, c.Name,
				c.Durations.Kind, c.Durations.MinSeconds(), c.Durations.MaxSeconds())
			continue
		}
		plans = append(plans, Plan{
			Index:     i,
			Provider:  c.Name,
			Role:      c.Role,
			Seconds:   s.Duration,
			Narrative: strings.TrimSpace(s.Text),
			Visual:    s.Visual,
			Style:     s.Style,
		})
	}
	if p.TotalSec >= 1 && len(p.Scenes) > 0 {
		gap := math.Abs(float64(sum - p.TotalSec))
		if gap > tolerance*float64(p.TotalSec) {
			add(-1, "total_sec", "scenes sum to %ds, more than %.0f%% away from %ds",
				sum, tolerance*100, p.TotalSec)
		}
	}
	if len(vs) > 0 {
		return nil, &ValidationError{Violations: vs}
	}
	return plans, nil
}

// Package duration maps requested clip lengths onto the durations a provider accepts.
package duration

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoLegalDuration is returned when a domain has no value that could ever be legal.
var ErrNoLegalDuration = errors.New("duration: domain has no legal value")

// Kind describes the shape of a provider duration domain.
type Kind string

const (
	// KindDiscrete is a fixed set of values, e.g. {4, 8, 12}.
	KindDiscrete Kind = "discrete"
	// KindRange is a bounded continuous range, e.g. [30, 60].
	KindRange Kind = "range"
	// KindDiscreteRange is every integer between Min and Max, e.g. {5..8}.
	KindDiscreteRange Kind = "discrete_range"
)

// Domain is the set of durations, in whole seconds, a provider accepts for one call.
type Domain struct {
	Kind   Kind  `yaml:"kind" json:"kind"`
	Values []int `yaml:"values,omitempty" json:"values,omitempty"`
	Min    int   `yaml:"min,omitempty" json:"min,omitempty"`
	Max    int   `yaml:"max,omitempty" json:"max,omitempty"`
}

// Discrete builds a fixed-set domain. Values are sorted and deduplicated.
func Discrete(values ...int) Domain {
	seen := make(map[int]bool, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return Domain{Kind: KindDiscrete, Values: out}
}

// Range builds a bounded continuous domain.
func Range(lo, hi int) Domain {
	return Domain{Kind: KindRange, Min: lo, Max: hi}
}

// DiscreteRange builds an integer range domain with a hard ceiling.
func DiscreteRange(lo, hi int) Domain {
	return Domain{Kind: KindDiscreteRange, Min: lo, Max: hi}
}

// Validate reports whether the domain can produce a legal value.
func (d Domain) Validate() error {
	switch d.Kind {
	case KindDiscrete:
		if len(d.Values) == 0 {
			return fmt.Errorf("%w: empty discrete set", ErrNoLegalDuration)
		}
		for i, v := range d.Values {
			if v <= 0 {
				return fmt.Errorf("%w: non-positive value %d", ErrNoLegalDuration, v)
			}
			if i > 0 && v <= d.Values[i-1] {
				return fmt.Errorf("%w: values must be strictly increasing", ErrNoLegalDuration)
			}
		}
	case KindRange, KindDiscreteRange:
		if d.Min <= 0 || d.Max < d.Min {
			return fmt.Errorf("%w: bad bounds [%d, %d]", ErrNoLegalDuration, d.Min, d.Max)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrNoLegalDuration, d.Kind)
	}
	return nil
}

// MinSeconds returns the smallest legal duration.
func (d Domain) MinSeconds() int {
	if d.Kind == KindDiscrete {
		if len(d.Values) == 0 {
			return 0
		}
		return d.Values[0]
	}
	return d.Min
}

// MaxSeconds returns the largest legal duration.
func (d Domain) MaxSeconds() int {
	if d.Kind == KindDiscrete {
		if len(d.Values) == 0 {
			return 0
		}
		return d.Values[len(d.Values)-1]
	}
	return d.Max
}

// Legal reports whether seconds is accepted as-is.
func (d Domain) Legal(seconds int) bool {
	switch d.Kind {
	case KindDiscrete:
		i := sort.SearchInts(d.Values, seconds)
		return i < len(d.Values) && d.Values[i] == seconds
	case KindRange, KindDiscreteRange:
		return seconds >= d.Min && seconds <= d.Max
	}
	return false
}

// Steps returns the legal values adjacent to seconds: the largest legal value strictly
// below it and the smallest strictly above it. ok is false when no such value exists.
func (d Domain) Steps(seconds int) (down int, downOK bool, up int, upOK bool) {
	switch d.Kind {
	case KindDiscrete:
		for _, v := range d.Values {
			if v < seconds {
				down, downOK = v, true
			}
			if v > seconds && !upOK {
				up, upOK = v, true
			}
		}
	case KindRange, KindDiscreteRange:
		if seconds-1 >= d.Min {
			down, downOK = min(seconds-1, d.Max), true
		}
		if seconds+1 <= d.Max {
			up, upOK = max(seconds+1, d.Min), true
		}
	}
	return down, downOK, up, upOK
}

// Normalize returns the legal duration nearest to seconds.
//
// Legal values are returned unchanged. Ranges clamp to their bounds. Between two
// discrete values the nearer one wins and ties go to the larger value. Requests above
// the domain maximum return the maximum; splitting long spans is the caller's job.
// An invalid domain yields 0.
func Normalize(seconds int, d Domain) int {
	if d.Validate() != nil {
		return 0
	}
	switch d.Kind {
	case KindRange, KindDiscreteRange:
		return min(max(seconds, d.Min), d.Max)
	}

	values := d.Values
	i := sort.SearchInts(values, seconds)
	switch {
	case i < len(values) && values[i] == seconds:
		return seconds
	case i == 0:
		return values[0]
	case i == len(values):
		return values[len(values)-1]
	}
	lower, upper := values[i-1], values[i]
	if upper-seconds <= seconds-lower {
		return upper
	}
	return lower
}

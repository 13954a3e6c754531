package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	capability Capability
	adapter    Adapter
	sem        *semaphore.Weighted
}

// Registry maps provider names to adapters, descriptors and submission caps.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(c Capability, a Adapter) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: %s has no adapter", ErrInvalidCapability, c.Name)
	}
	limit := int64(max(c.MaxConcurrency, 1))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.Name] = &entry{
		capability: c,
		adapter:    a,
		sem:        semaphore.NewWeighted(limit),
	}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return e, nil
}

// Adapter returns the adapter registered under name.
func (r *Registry) Adapter(name string) (Adapter, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.adapter, nil
}

// Capability returns the descriptor registered under name.
func (r *Registry) Capability(name string) (Capability, bool) {
	e, err := r.lookup(name)
	if err != nil {
		return Capability{}, false
	}
	return e.capability, true
}

// Capabilities returns all descriptors sorted by name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	out := make([]Capability, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.capability)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Capability) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ForRole returns the first provider, by name, registered with role.
func (r *Registry) ForRole(role Role) (Capability, bool) {
	for _, c := range r.Capabilities() {
		if c.Role == role {
			return c, true
		}
	}
	return Capability{}, false
}

// Acquire blocks until a submission slot for name is free or ctx is done.
// The returned func releases the slot.
func (r *Registry) Acquire(ctx context.Context, name string) (func(), error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", name, err)
	}
	return func() { e.sem.Release(1) }, nil
}

package script

import (
	"context"
	"sync"
)

// Repository persists scripts.
type Repository interface {
	Create(ctx context.Context, s *Script) error
	// Save is a compare-and-swap on Version.
	Save(ctx context.Context, s *Script) error
	FindByID(ctx context.Context, id string) (*Script, error)
	// ListByStatus returns scripts in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Script, error)
}

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps scripts in a map.
type MemoryRepository struct {
	mu      sync.RWMutex
	scripts map[string]*Script
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{scripts: make(map[string]*Script)}
}

// Create stores a clone of s with Version 1.
func (r *MemoryRepository) Create(_ context.Context, s *Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[s.ID]; ok {
		return ErrScriptExists
	}
	s.mu.Lock()
	s.Version = 1
	s.mu.Unlock()
	r.scripts[s.ID] = s.Clone()
	return nil
}

// Save stores s when its version matches.
func (r *MemoryRepository) Save(_ context.Context, s *Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.scripts[s.ID]
	if !ok {
		return ErrScriptNotFound
	}
	s.mu.Lock()
	if stored.Version != s.Version {
		s.mu.Unlock()
		return ErrConcurrentUpdate
	}
	s.Version++
	s.mu.Unlock()
	r.scripts[s.ID] = s.Clone()
	return nil
}

// FindByID returns a clone.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return nil, ErrScriptNotFound
	}
	return s.Clone(), nil
}

// ListByStatus returns clones ordered by creation time.
func (r *MemoryRepository) ListByStatus(_ context.Context, statuses ...Status) ([]*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]*Script, 0)
	for _, s := range r.scripts {
		if want[s.Status] {
			out = append(out, s.Clone())
		}
	}
	sortScripts(out)
	return out, nil
}

package unit

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; GormRepository is the persistent variant.
type MemoryRepository struct {
	mu    sync.RWMutex
	units map[string]*Unit
}

// NewMemoryRepository creates a new in-memory unit repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		units: make(map[string]*Unit),
	}
}

// Create stores a clone of a new unit.
func (r *MemoryRepository) Create(_ context.Context, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[u.ID]; ok {
		return ErrUnitExists
	}
	u.mu.Lock()
	u.Version = 1
	u.mu.Unlock()
	r.units[u.ID] = u.Clone()
	return nil
}

// Save stores a clone of the unit when its version matches the stored one.
func (r *MemoryRepository) Save(_ context.Context, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.units[u.ID]
	if !ok {
		return ErrUnitNotFound
	}

	u.mu.Lock()
	if stored.Version != u.Version {
		u.mu.Unlock()
		return ErrConcurrentUpdate
	}
	u.Version++
	u.mu.Unlock()

	r.units[u.ID] = u.Clone()
	return nil
}

// FindByID retrieves a unit by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return u.Clone(), nil
}

// List returns clones of all matching units.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		if f.matches(u) {
			result = append(result, u.Clone())
		}
	}
	sortUnits(result)
	return result, nil
}

// sortUnits orders by script, scene index, then creation time.
func sortUnits(units []*Unit) {
	slices.SortFunc(units, func(a, b *Unit) int {
		return cmp.Or(
			cmp.Compare(a.ScriptID, b.ScriptID),
			cmp.Compare(a.SceneIndex, b.SceneIndex),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

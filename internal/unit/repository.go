package unit

import (
	"context"
	"errors"
)

// Static errors for unit persistence.
var (
	// ErrUnitNotFound is returned when a unit cannot be found by ID.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrUnitExists is returned when creating a unit whose ID is already stored.
	ErrUnitExists = errors.New("unit already exists")
	// ErrConcurrentUpdate is returned when a save races with another writer.
	ErrConcurrentUpdate = errors.New("unit was modified concurrently")
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status    Status
	ScriptID  string
	Owner     string
	Uncharged bool
}

// Repository defines the interface for unit persistence.
// It acts as a port in the hexagonal architecture pattern.
// Units are never deleted: ledger transactions keep referring to them.
type Repository interface {
	// Create persists a new unit and sets its Version to 1.
	// Returns ErrUnitExists if the ID is taken.
	Create(ctx context.Context, u *Unit) error

	// Save updates an existing unit if its Version still matches the stored one,
	// then increments Version. Returns ErrConcurrentUpdate on a mismatch.
	Save(ctx context.Context, u *Unit) error

	// FindByID retrieves a unit by its unique identifier.
	// Returns ErrUnitNotFound if the unit does not exist.
	FindByID(ctx context.Context, id string) (*Unit, error)

	// List returns units matching the filter, scenes ordered by script and index.
	List(ctx context.Context, f Filter) ([]*Unit, error)
}

// matches reports whether u satisfies f. Callers must hold u's read lock or own u.
func (f Filter) matches(u *Unit) bool {
	if f.Status != "" && u.Status != f.Status {
		return false
	}
	if f.ScriptID != "" && u.ScriptID != f.ScriptID {
		return false
	}
	if f.Owner != "" && u.Owner != f.Owner {
		return false
	}
	if f.Uncharged && u.Charged {
		return false
	}
	return true
}

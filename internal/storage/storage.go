// Package storage gives each composition a private scratch directory and
// publishes the finished video, either to a local output directory or to S3
// (or an S3-compatible endpoint).
package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// ErrInvalidKey is returned for publish keys that would escape the output root.
var ErrInvalidKey = errors.New("storage: invalid key")

// Storage is where compositions work and where their results end up.
type Storage interface {
	// NewWorkspace creates an empty scratch directory. The caller releases it.
	NewWorkspace(name string) (*Workspace, error)

	// Publish moves the file at path to its durable home under key and
	// returns the reference stored on the script: a path or a URL.
	Publish(ctx context.Context, key, path string) (ref string, err error)
}

// Workspace is a scratch directory owned by one composition.
type Workspace struct {
	dir string
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns a file path inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// Release removes the workspace and everything left in it.
func (w *Workspace) Release() error {
	return os.RemoveAll(w.dir)
}

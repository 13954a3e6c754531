package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var _ Storage = (*LocalStorage)(nil)

// LocalStorage keeps workspaces under root/work and published videos under
// root/published.
type LocalStorage struct {
	work      string
	published string
}

// NewLocalStorage creates the directory layout under root. An empty root uses
// a genforge directory in os.TempDir().
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "genforge")
	}
	s := &LocalStorage{
		work:      filepath.Join(root, "work"),
		published: filepath.Join(root, "published"),
	}
	for _, dir := range []string{s.work, s.published} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return s, nil
}

// WorkRoot is the parent of every workspace.
func (s *LocalStorage) WorkRoot() string { return s.work }

// PublishedRoot is where Publish puts files.
func (s *LocalStorage) PublishedRoot() string { return s.published }

// NewWorkspace creates a uniquely named directory under WorkRoot.
func (s *LocalStorage) NewWorkspace(name string) (*Workspace, error) {
	dir, err := os.MkdirTemp(s.work, filepath.Base(name)+"_*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Publish moves path to PublishedRoot/key, replacing any earlier file, and
// returns the new path.
func (s *LocalStorage) Publish(ctx context.Context, key, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}
	dest, err := s.target(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("create publish directory: %w", err)
	}

	err = os.Rename(path, dest)
	if errors.Is(err, syscall.EXDEV) {
		err = moveAcrossDevices(path, dest)
	}
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	return dest, nil
}

func (s *LocalStorage) target(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.published, clean), nil
}

func moveAcrossDevices(src, dest string) error {
	in, err := os.Open(src) // #nosec G304 - src is a workspace file
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dest + ".partial"
	out, err := os.Create(tmp) // #nosec G304 - tmp is under the published root
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

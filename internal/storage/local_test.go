package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewLocalStorage_Layout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")
	s, err := NewLocalStorage(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "work"), s.WorkRoot())
	assert.Equal(t, filepath.Join(root, "published"), s.PublishedRoot())
	assert.DirExists(t, s.WorkRoot())
	assert.DirExists(t, s.PublishedRoot())
}

func TestLocalStorage_Workspace(t *testing.T) {
	s := newLocal(t)

	a, err := s.NewWorkspace("script-1")
	require.NoError(t, err)
	b, err := s.NewWorkspace("script-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.Dir(), b.Dir(), "workspaces for the same script must not collide")
	assert.Equal(t, s.WorkRoot(), filepath.Dir(a.Dir()))

	// Path never escapes the workspace.
	assert.Equal(t, filepath.Join(a.Dir(), "x.mp4"), a.Path("../../x.mp4"))

	require.NoError(t, os.WriteFile(a.Path("scene.mp4"), []byte("data"), 0600))
	require.NoError(t, a.Release())
	assert.NoDirExists(t, a.Dir())
	assert.DirExists(t, b.Dir())
}

func TestLocalStorage_Publish(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	ws, err := s.NewWorkspace("script-1")
	require.NoError(t, err)

	src := ws.Path("final.mp4")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0600))

	ref, err := s.Publish(ctx, "script-1.mp4", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.PublishedRoot(), "script-1.mp4"), ref)
	assert.NoFileExists(t, src)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	// Re-publishing the same key replaces the file.
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0600))
	_, err = s.Publish(ctx, "script-1.mp4", src)
	require.NoError(t, err)
	data, err = os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestLocalStorage_Publish_Errors(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape.mp4", "/etc/passwd"} {
		_, err := s.Publish(ctx, key, "irrelevant")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}

	_, err := s.Publish(ctx, "missing.mp4", filepath.Join(s.WorkRoot(), "nope.mp4"))
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Publish(cancelled, "x.mp4", "irrelevant")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMoveAcrossDevices(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	dest := filepath.Join(dir, "out", "dest.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0750))
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))

	require.NoError(t, moveAcrossDevices(src, dest))
	assert.NoFileExists(t, src)
	assert.NoFileExists(t, dest+".partial")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchArtifact_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.mp4":
			_, _ = w.Write([]byte("video"))
		case "/down.mp4":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	ctx := context.Background()

	dest := filepath.Join(dir, "ok.mp4")
	require.NoError(t, fetchArtifact(ctx, server.Client(), server.URL+"/ok.mp4", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	err = fetchArtifact(ctx, server.Client(), server.URL+"/down.mp4", filepath.Join(dir, "down.mp4"))
	assert.ErrorIs(t, err, ErrTransient)

	err = fetchArtifact(ctx, server.Client(), server.URL+"/missing.mp4", filepath.Join(dir, "missing.mp4"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestFetchArtifact_BadBase64(t *testing.T) {
	err := fetchArtifact(context.Background(), http.DefaultClient, "%%%not-base64", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/maauso/genforge/internal/httpx"
)

// fetchArtifact writes ref to destPath. ref is either an http(s) URL or inline
// base64, optionally as a data URI.
func fetchArtifact(ctx context.Context, client *http.Client, ref, destPath string) error {
	if ref == "" {
		return ErrNoResult
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return download(ctx, client, ref, destPath)
	}

	payload := ref
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ","); i >= 0 {
			payload = payload[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decode inline result: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0600); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func download(ctx context.Context, client *http.Client, url, destPath string) error {
	if err := httpx.Download(ctx, client, url, destPath); err != nil {
		if httpx.IsTransient(err) {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	return nil
}

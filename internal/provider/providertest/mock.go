// Package providertest provides a testify mock of provider.Adapter.
package providertest

import (
	"context"
	"os"

	"github.com/stretchr/testify/mock"

	"github.com/maauso/genforge/internal/provider"
)

var (
	_ provider.Adapter  = (*MockAdapter)(nil)
	_ provider.Canceler = (*CancelableAdapter)(nil)
)

// MockAdapter implements provider.Adapter for tests.
type MockAdapter struct {
	mock.Mock
}

// Submit records the call.
func (m *MockAdapter) Submit(ctx context.Context, req provider.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Poll records the call.
func (m *MockAdapter) Poll(ctx context.Context, externalID string) (provider.PollResult, error) {
	args := m.Called(ctx, externalID)
	return args.Get(0).(provider.PollResult), args.Error(1)
}

// Fetch records the call. When no error is configured it writes resultRef
// itself as the file content, so callers can check what was fetched.
func (m *MockAdapter) Fetch(ctx context.Context, resultRef, destPath string) error {
	args := m.Called(ctx, resultRef, destPath)
	if err := args.Error(0); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(resultRef), 0600)
}

// CancelableAdapter is a MockAdapter that also implements provider.Canceler.
type CancelableAdapter struct {
	MockAdapter
}

// Cancel records the call.
func (m *CancelableAdapter) Cancel(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

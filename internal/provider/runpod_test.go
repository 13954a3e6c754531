package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genforge/internal/runpod"
	"github.com/maauso/genforge/internal/unit"
)

// mockRunPodClient is a simple mock for testing RunPodAdapter.
type mockRunPodClient struct {
	mock.Mock
}

func (m *mockRunPodClient) Submit(ctx context.Context, in runpod.Input) (string, error) {
	args := m.Called(ctx, in)
	return args.String(0), args.Error(1)
}

func (m *mockRunPodClient) Poll(ctx context.Context, jobID string) (runpod.PollResult, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(runpod.PollResult), args.Error(1)
}

func (m *mockRunPodClient) Cancel(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func TestRunPodAdapter_Submit(t *testing.T) {
	ctx := context.Background()
	mockClient := &mockRunPodClient{}
	adapter := NewRunPodAdapter(mockClient)

	u := unit.New("user", unit.KindScene, "avatar", unit.Config{DurationSec: 40, Variant: "hd", Audio: true})
	u.Narrative = "Welcome back to the channel."
	u.Visual = "host at a desk"

	mockClient.On("Submit", ctx, mock.MatchedBy(func(in runpod.Input) bool {
		return in.Prompt == "host at a desk" && in.Text == "Welcome back to the channel." &&
			in.DurationSec == 40 && in.Variant == "hd" && in.Audio
	})).Return("job-123", nil)

	jobID, err := adapter.Submit(ctx, NewRequest(u))
	require.NoError(t, err)
	assert.Equal(t, "job-123", jobID)
	mockClient.AssertExpectations(t)
}

func TestRunPodAdapter_Submit_Error(t *testing.T) {
	ctx := context.Background()
	mockClient := &mockRunPodClient{}
	adapter := NewRunPodAdapter(mockClient)

	mockClient.On("Submit", ctx, mock.Anything).Return("", runpod.ErrNoJobIDReturned)

	_, err := adapter.Submit(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, runpod.ErrNoJobIDReturned)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestRunPodAdapter_Poll(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		result   runpod.PollResult
		expected PollResult
	}{
		{"in_queue", runpod.PollResult{Status: runpod.StatusInQueue}, PollResult{State: StateProcessing}},
		{"running", runpod.PollResult{Status: runpod.StatusRunning}, PollResult{State: StateProcessing}},
		{"in_progress", runpod.PollResult{Status: runpod.StatusInProgress}, PollResult{State: StateProcessing}},
		{"unknown", runpod.PollResult{Status: "WARMING"}, PollResult{State: StateProcessing}},
		{
			"completed",
			runpod.PollResult{Status: runpod.StatusCompleted, Output: "https://cdn/x.mp4"},
			PollResult{State: StateCompleted, ResultRef: "https://cdn/x.mp4"},
		},
		{
			"completed without output",
			runpod.PollResult{Status: runpod.StatusCompleted, Error: "completed without output"},
			PollResult{State: StateError, Reason: "completed without output"},
		},
		{
			"failed",
			runpod.PollResult{Status: runpod.StatusFailed, Error: "oom"},
			PollResult{State: StateError, Reason: "oom"},
		},
		{"cancelled", runpod.PollResult{Status: runpod.StatusCancelled, Error: "cancelled"}, PollResult{State: StateError, Reason: "cancelled"}},
		{"timed_out", runpod.PollResult{Status: runpod.StatusTimedOut, Error: "timed_out"}, PollResult{State: StateError, Reason: "timed_out"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockRunPodClient{}
			adapter := NewRunPodAdapter(mockClient)
			mockClient.On("Poll", ctx, "job-1").Return(tt.result, nil)

			got, err := adapter.Poll(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRunPodAdapter_Poll_PlainError(t *testing.T) {
	ctx := context.Background()
	mockClient := &mockRunPodClient{}
	adapter := NewRunPodAdapter(mockClient)

	mockClient.On("Poll", ctx, "job-1").Return(runpod.PollResult{}, errors.New("boom"))

	_, err := adapter.Poll(ctx, "job-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient, "plain errors are not transient")
}

func TestRunPodAdapter_Fetch_InlineBase64(t *testing.T) {
	adapter := NewRunPodAdapter(&mockRunPodClient{})
	dest := filepath.Join(t.TempDir(), "out.mp4")

	ref := "data:video/mp4;base64," + base64.StdEncoding.EncodeToString([]byte("frames"))
	require.NoError(t, adapter.Fetch(context.Background(), ref, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	assert.ErrorIs(t, adapter.Fetch(context.Background(), "", dest), ErrNoResult)
}

func TestRunPodAdapter_Poll_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := runpod.NewClient("endpoint",
		runpod.WithAPIKey("key"),
		runpod.WithBaseURL(server.URL),
		runpod.WithMaxRetries(0),
	)
	require.NoError(t, err)

	_, err = NewRunPodAdapter(client).Poll(context.Background(), "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, runpod.ErrServerError)
}

func TestRunPodAdapter_Cancel(t *testing.T) {
	ctx := context.Background()
	mockClient := &mockRunPodClient{}
	adapter := NewRunPodAdapter(mockClient)

	mockClient.On("Cancel", ctx, "job-1").Return(nil).Once()
	mockClient.On("Cancel", ctx, "job-2").Return(runpod.ErrServerError).Once()

	require.NoError(t, adapter.Cancel(ctx, "job-1"))
	err := adapter.Cancel(ctx, "job-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runpod adapter cancel")
	mockClient.AssertExpectations(t)
}

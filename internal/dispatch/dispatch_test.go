package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genforge/internal/duration"
	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/lifecycle"
	"github.com/maauso/genforge/internal/provider"
	"github.com/maauso/genforge/internal/provider/providertest"
	"github.com/maauso/genforge/internal/script"
	"github.com/maauso/genforge/internal/unit"
)

type fixture struct {
	d         *Dispatcher
	units     *unit.MemoryRepository
	ledger    *ledger.Service
	avatar    *providertest.MockAdapter
	cinematic *providertest.MockAdapter
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	avatar := &providertest.MockAdapter{}
	cinematic := &providertest.MockAdapter{}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Capability{
		Name: "avatar", Kind: unit.KindVideo, Role: provider.RolePresenter,
		Durations: duration.Range(30, 60), Audio: true, Resolutions: []string{"720p"}, MaxConcurrency: 1,
	}, avatar))
	require.NoError(t, reg.Register(provider.Capability{
		Name: "cinematic", Kind: unit.KindVideo, Role: provider.RoleCinematic,
		Durations: duration.Discrete(4, 8, 12), MaxConcurrency: 2,
	}, cinematic))

	rates, err := ledger.NewRateTable(
		ledger.Rate{Provider: "avatar", Basis: ledger.BasisSecond, Price: decimal.RequireFromString("0.5")},
		ledger.Rate{Provider: "cinematic", Basis: ledger.BasisSecond, Price: decimal.RequireFromString("2")},
	)
	require.NoError(t, err)
	svc := ledger.NewService(ledger.NewMemoryStore(), rates, ledger.WithLogger(logger))
	if balance > 0 {
		_, err := svc.Grant(context.Background(), "user-1", decimal.NewFromInt(balance), "")
		require.NoError(t, err)
	}

	units := unit.NewMemoryRepository()
	machine := lifecycle.NewMachine(units, svc, lifecycle.WithLogger(logger))
	return &fixture{
		d:         New(reg, units, machine, svc, logger),
		units:     units,
		ledger:    svc,
		avatar:    avatar,
		cinematic: cinematic,
	}
}

func TestSubmitUnit_Success(t *testing.T) {
	f := newFixture(t, 100)
	f.avatar.On("Submit", mock.Anything, mock.MatchedBy(func(r provider.Request) bool {
		return r.Config.DurationSec == 30 && r.Config.Prompt == "hello"
	})).Return("job-1", nil)

	u, err := f.d.SubmitUnit(context.Background(), Request{
		Owner: "user-1", Kind: unit.KindVideo, Provider: "avatar",
		Config: unit.Config{DurationSec: 25, Prompt: "hello", Resolution: "720p"},
	})
	require.NoError(t, err)
	assert.Equal(t, unit.StatusProcessing, u.Status)
	assert.Equal(t, "job-1", u.ExternalJobID)
	assert.Equal(t, 30, u.Config.DurationSec, "duration normalized into the provider band")
	assert.False(t, u.Deadline.IsZero())
	f.avatar.AssertExpectations(t)
}

func TestSubmitUnit_AdmissionRejected(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.d.SubmitUnit(context.Background(), Request{
		Owner: "user-1", Kind: unit.KindVideo, Provider: "avatar", Config: unit.Config{DurationSec: 30},
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	f.avatar.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	units, err := f.units.List(context.Background(), unit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, units, "rejected requests create no unit")
}

func TestSubmitUnit_MonthlyLimit(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.ledger.SetMonthlyLimit(context.Background(), "user-1", decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = f.d.SubmitUnit(context.Background(), Request{
		Owner: "user-1", Kind: unit.KindVideo, Provider: "avatar", Config: unit.Config{DurationSec: 30},
	})
	assert.ErrorIs(t, err, ledger.ErrMonthlyLimitExceeded)
}

func TestPrepare_Validation(t *testing.T) {
	f := newFixture(t, 0)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown provider", Request{Kind: unit.KindVideo, Provider: "nope"}, provider.ErrUnknownProvider},
		{"wrong kind", Request{Kind: unit.KindImage, Provider: "avatar"}, ErrKindMismatch},
		{"too long", Request{Kind: unit.KindVideo, Provider: "cinematic", Config: unit.Config{DurationSec: 20}}, ErrDurationTooLong},
		{"resolution", Request{Kind: unit.KindVideo, Provider: "avatar", Config: unit.Config{DurationSec: 30, Resolution: "4k"}}, ErrUnsupportedResolution},
		{"audio", Request{Kind: unit.KindVideo, Provider: "cinematic", Config: unit.Config{DurationSec: 8, Audio: true}}, ErrAudioUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.d.Prepare(tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	cfg, err := f.d.Prepare(Request{Kind: unit.KindVideo, Provider: "cinematic", Config: unit.Config{DurationSec: 10}})
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.DurationSec)
}

func TestSubmitScenes_SiblingFailureIsolated(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	f.avatar.On("Submit", mock.Anything, mock.Anything).Return("", errors.New("400 bad request"))
	f.cinematic.On("Submit", mock.Anything, mock.Anything).Return("job-c", nil)

	var scenes []*unit.Unit
	for i, p := range []string{"cinematic", "avatar", "cinematic", "cinematic"} {
		u := unit.New("user-1", unit.KindScene, p, unit.Config{DurationSec: 8})
		u.ScriptID = "s"
		u.SceneIndex = i
		require.NoError(t, f.units.Create(ctx, u))
		scenes = append(scenes, u)
	}

	report := f.d.SubmitScenes(ctx, scenes)
	assert.Len(t, report.Submitted, 3)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[scenes[1].ID], "submission failed")

	failed, err := f.units.FindByID(ctx, scenes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, unit.StatusError, failed.Status)
	assert.Contains(t, failed.Error, "submit:")
	assert.False(t, failed.Charged)

	for _, i := range []int{0, 2, 3} {
		got, err := f.units.FindByID(ctx, scenes[i].ID)
		require.NoError(t, err)
		assert.Equal(t, unit.StatusProcessing, got.Status)
	}
}

func TestAdmitPlans(t *testing.T) {
	f := newFixture(t, 50)
	plans := []script.Plan{
		{Provider: "avatar", Seconds: 30},    // 15
		{Provider: "cinematic", Seconds: 12}, // 24
	}
	total, err := f.d.EstimatePlans(plans)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(39)))
	require.NoError(t, f.d.AdmitPlans(context.Background(), "user-1", plans))

	plans = append(plans, script.Plan{Provider: "cinematic", Seconds: 8})
	assert.ErrorIs(t, f.d.AdmitPlans(context.Background(), "user-1", plans), ledger.ErrInsufficientCredits)

	_, err = f.d.EstimatePlans([]script.Plan{{Provider: "ghost", Seconds: 4}})
	assert.ErrorIs(t, err, ledger.ErrNoRate)
}

// startFailRepo refuses to persist the move to processing.
type startFailRepo struct{ *unit.MemoryRepository }

func (r startFailRepo) Save(ctx context.Context, u *unit.Unit) error {
	if u.Status == unit.StatusProcessing {
		return errors.New("disk full")
	}
	return r.MemoryRepository.Save(ctx, u)
}

func TestSubmitUnit_UnrecordedStartFailsAndCancels(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := &providertest.CancelableAdapter{}
	adapter.On("Submit", mock.Anything, mock.Anything).Return("job-9", nil)
	adapter.On("Cancel", mock.Anything, "job-9").Return(nil)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Capability{
		Name: "cinematic", Kind: unit.KindVideo, Role: provider.RoleCinematic,
		Durations: duration.Discrete(4, 8, 12),
	}, adapter))
	rates, err := ledger.NewRateTable(ledger.Rate{Provider: "cinematic", Basis: ledger.BasisSecond, Price: decimal.NewFromInt(1)})
	require.NoError(t, err)
	svc := ledger.NewService(ledger.NewMemoryStore(), rates, ledger.WithLogger(logger))
	_, err = svc.Grant(context.Background(), "user-1", decimal.NewFromInt(100), "")
	require.NoError(t, err)

	units := startFailRepo{unit.NewMemoryRepository()}
	machine := lifecycle.NewMachine(units, svc, lifecycle.WithLogger(logger))
	d := New(reg, units, machine, svc, logger)

	u, err := d.SubmitUnit(context.Background(), Request{
		Owner: "user-1", Kind: unit.KindVideo, Provider: "cinematic", Config: unit.Config{DurationSec: 8},
	})
	require.ErrorIs(t, err, ErrSubmitFailed)
	require.NotNil(t, u)
	assert.Equal(t, unit.StatusError, u.Status)
	assert.Contains(t, u.Error, "record submission")

	stored, err := units.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.StatusError, stored.Status, "no unit is left pending")
	adapter.AssertCalled(t, "Cancel", mock.Anything, "job-9")
}

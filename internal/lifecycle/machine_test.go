package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/unit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	repo   *unit.MemoryRepository
	ledger *ledger.Service
	m      *Machine
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	rates, err := ledger.NewRateTable(ledger.Rate{Provider: "avatar", Basis: ledger.BasisSecond, Price: decimal.RequireFromString("0.5")})
	require.NoError(t, err)
	svc := ledger.NewService(ledger.NewMemoryStore(), rates, ledger.WithLogger(discardLogger()))
	if balance != "0" {
		_, err = svc.Grant(context.Background(), "user-1", decimal.RequireFromString(balance), "")
		require.NoError(t, err)
	}
	repo := unit.NewMemoryRepository()
	return &fixture{
		repo:   repo,
		ledger: svc,
		m:      NewMachine(repo, svc, WithLogger(discardLogger())),
	}
}

// processingUnit stores an 80s avatar unit (cost 40) already in processing.
func (f *fixture) processingUnit(t *testing.T, owner string) *unit.Unit {
	t.Helper()
	u := unit.New(owner, unit.KindVideo, "avatar", unit.Config{DurationSec: 80})
	require.NoError(t, f.repo.Create(context.Background(), u))
	_, err := f.m.Start(context.Background(), u.ID, "ext-"+u.ID)
	require.NoError(t, err)
	return u
}

func TestMachine_CompleteAndCharge(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	u := f.processingUnit(t, "user-1")

	out, err := f.m.CompleteAndCharge(ctx, u.ID, "https://cdn/result.mp4")
	require.NoError(t, err)
	assert.True(t, out.Transitioned)
	assert.True(t, out.Charged)
	require.NotNil(t, out.Transaction)

	acct, err := f.ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(60)), "balance = %s", acct.Balance)

	got, err := f.repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.StatusCompleted, got.Status)
	assert.True(t, got.Charged)
	assert.Equal(t, "https://cdn/result.mp4", got.ResultRef)

	txs, err := f.ledger.Transactions(ctx, ledger.TxFilter{UnitID: u.ID})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// Completing again is a no-op.
	out, err = f.m.CompleteAndCharge(ctx, u.ID, "other")
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.True(t, out.Charged)
}

func TestMachine_ConcurrentCompletionsChargeOnce(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	u := f.processingUnit(t, "user-1")

	var (
		wg          sync.WaitGroup
		transitions atomic.Int32
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.m.CompleteAndCharge(ctx, u.ID, "ref")
			assert.NoError(t, err)
			if out.Transitioned {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transitions.Load())
	txs, err := f.ledger.Transactions(ctx, ledger.TxFilter{UnitID: u.ID, Kind: ledger.TxCharge})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMachine_LedgerFailureLeavesUnitUncharged(t *testing.T) {
	f := newFixture(t, "10") // not enough for 40
	ctx := context.Background()
	u := f.processingUnit(t, "user-1")

	out, err := f.m.CompleteAndCharge(ctx, u.ID, "ref")
	require.NoError(t, err)
	assert.True(t, out.Transitioned)
	assert.False(t, out.Charged)

	got, err := f.repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.StatusCompleted, got.Status)
	assert.False(t, got.Charged)
	assert.True(t, got.NeedsReconciliation())

	acct, err := f.ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(10)))

	// Once funds arrive, reconciliation charges exactly once.
	_, err = f.ledger.Grant(ctx, "user-1", decimal.NewFromInt(50), "top-up")
	require.NoError(t, err)
	report, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Charged)

	report, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)

	acct, err = f.ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(20)))
}

// flakyRepo fails the save that would record the charged flag.
type flakyRepo struct {
	*unit.MemoryRepository
	failCharged atomic.Bool
}

func (r *flakyRepo) Save(ctx context.Context, u *unit.Unit) error {
	if u.Clone().Charged && r.failCharged.Load() {
		return errors.New("database unavailable")
	}
	return r.MemoryRepository.Save(ctx, u)
}

func TestMachine_ReconcileMirrorsExistingCharge(t *testing.T) {
	f := newFixture(t, "100")
	repo := &flakyRepo{MemoryRepository: f.repo}
	m := NewMachine(repo, f.ledger, WithLogger(discardLogger()))
	ctx := context.Background()

	u := unit.New("user-1", unit.KindVideo, "avatar", unit.Config{DurationSec: 80})
	require.NoError(t, repo.Create(ctx, u))
	_, err := m.Start(ctx, u.ID, "ext")
	require.NoError(t, err)

	repo.failCharged.Store(true)
	out, err := m.CompleteAndCharge(ctx, u.ID, "ref")
	require.NoError(t, err)
	assert.False(t, out.Charged, "flag save failed")

	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Charged)

	repo.failCharged.Store(false)
	report, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mirrored)
	assert.Equal(t, 0, report.Charged)

	got, err = repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Charged)
	acct, err := f.ledger.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(60)), "charged exactly once")
}

func TestMachine_ReconcileSkipsUnknownOwner(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	u := f.processingUnit(t, "")

	out, err := f.m.CompleteAndCharge(ctx, u.ID, "ref")
	require.NoError(t, err)
	assert.False(t, out.Charged)

	report, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
}

func TestMachine_FailNeverCharges(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	u := f.processingUnit(t, "user-1")

	require.NoError(t, f.m.Fail(ctx, u.ID, "timeout: provider unresponsive"))

	got, err := f.repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.StatusError, got.Status)
	assert.False(t, got.Charged)
	assert.Equal(t, "timeout: provider unresponsive", got.Error)

	// A late completion does not resurrect the unit.
	out, err := f.m.CompleteAndCharge(ctx, u.ID, "late")
	require.NoError(t, err)
	assert.False(t, out.Transitioned)

	txs, err := f.ledger.Transactions(ctx, ledger.TxFilter{UnitID: u.ID})
	require.NoError(t, err)
	assert.Empty(t, txs)

	require.NoError(t, f.m.Fail(ctx, u.ID, "again"), "failing a terminal unit is a no-op")
}

func TestMachine_StartSetsDeadline(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := unit.NewMemoryRepository()
	m := NewMachine(repo, nil, WithClock(func() time.Time { return now }), WithMaxUnitAge(time.Hour), WithLogger(discardLogger()))
	ctx := context.Background()

	u := unit.New("user-1", unit.KindVideo, "avatar", unit.Config{DurationSec: 30})
	require.NoError(t, repo.Create(ctx, u))
	started, err := m.Start(ctx, u.ID, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), started.Deadline)
	assert.Equal(t, unit.StatusProcessing, started.Status)

	_, err = m.Start(ctx, u.ID, "ext-2")
	assert.ErrorIs(t, err, unit.ErrInvalidTransition)

	_, err = m.Start(ctx, "missing", "ext")
	assert.ErrorIs(t, err, unit.ErrUnitNotFound)
}

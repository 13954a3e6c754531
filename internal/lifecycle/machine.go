// Package lifecycle drives generation units through their billable transitions.
//
// Completion and charging are one named operation, CompleteAndCharge. The unit is
// persisted as completed before the ledger is touched; if the ledger call fails
// the unit stays completed and uncharged until Reconcile picks it up. The ledger
// keys charges by unit id, so neither retries nor reconciliation can bill twice.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maauso/genforge/internal/ledger"
	"github.com/maauso/genforge/internal/unit"
)

// Ledger is the subset of the credit ledger the machine uses.
type Ledger interface {
	EstimateCost(kind unit.Kind, provider string, cfg unit.Config) (decimal.Decimal, error)
	Charge(ctx context.Context, req ledger.ChargeRequest) (ledger.Transaction, error)
	ChargeFor(ctx context.Context, unitID string) (ledger.Transaction, error)
}

// Outcome reports what CompleteAndCharge did.
type Outcome struct {
	// Transitioned is true when this call moved the unit to completed.
	Transitioned bool
	// Charged is true when the unit ended the call with its charge recorded.
	Charged bool
	// Transaction is the ledger entry written by this call, if any.
	Transaction *ledger.Transaction
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Charged  int      `json:"charged"`
	Mirrored int      `json:"mirrored"`
	Skipped  int      `json:"skipped"`
	Failed   []string `json:"failed,omitempty"`
}

// Machine applies lifecycle transitions under a per-unit lock.
type Machine struct {
	repo   unit.Repository
	ledger Ledger
	locks  *Locks
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxUnitAge sets how long a unit may stay processing. Zero disables deadlines.
func WithMaxUnitAge(d time.Duration) Option {
	return func(m *Machine) {
		m.maxAge = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// NewMachine creates a lifecycle machine.
func NewMachine(repo unit.Repository, l Ledger, opts ...Option) *Machine {
	m := &Machine{
		repo:   repo,
		ledger: l,
		locks:  NewLocks(),
		maxAge: 30 * time.Minute,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start records the provider job id and moves a pending unit to processing with
// its deadline set.
func (m *Machine) Start(ctx context.Context, unitID, externalID string) (*unit.Unit, error) {
	unlock := m.locks.Lock(unitID)
	defer unlock()

	u, err := m.repo.FindByID(ctx, unitID)
	if err != nil {
		return nil, err
	}
	var deadline time.Time
	if m.maxAge > 0 {
		deadline = m.now().Add(m.maxAge)
	}
	if err := u.Start(externalID, deadline); err != nil {
		return nil, fmt.Errorf("start unit %s: %w", unitID, err)
	}
	if err := m.repo.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("save unit %s: %w", unitID, err)
	}
	m.logger.Info("unit processing",
		slog.String("unit_id", unitID),
		slog.String("external_id", externalID),
	)
	return u.Clone(), nil
}

// CompleteAndCharge moves a unit to completed and bills its owner once.
// A unit that is already terminal is left alone.
func (m *Machine) CompleteAndCharge(ctx context.Context, unitID, resultRef string) (Outcome, error) {
	unlock := m.locks.Lock(unitID)
	defer unlock()

	u, err := m.repo.FindByID(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if u.IsTerminal() {
		return Outcome{Charged: u.Clone().Charged}, nil
	}
	if err := u.Complete(resultRef); err != nil {
		return Outcome{}, fmt.Errorf("complete unit %s: %w", unitID, err)
	}
	if err := m.repo.Save(ctx, u); err != nil {
		return Outcome{}, fmt.Errorf("save unit %s: %w", unitID, err)
	}
	m.logger.Info("unit completed", slog.String("unit_id", unitID))

	out := Outcome{Transitioned: true}
	tx, err := m.charge(ctx, u)
	if err != nil {
		m.logger.Error("unit completed but not charged, reconciliation needed",
			slog.String("unit_id", unitID),
			slog.String("owner", u.Owner),
			slog.String("error", err.Error()),
		)
		return out, nil
	}
	out.Charged = true
	out.Transaction = tx
	return out, nil
}

// charge bills u and sets its charged flag. The caller holds u's lock.
// A nil transaction with a nil error means the ledger already held the charge.
func (m *Machine) charge(ctx context.Context, u *unit.Unit) (*ledger.Transaction, error) {
	c := u.Clone()
	if c.Owner == "" {
		return nil, unit.ErrOwnerUnknown
	}
	amount, err := m.ledger.EstimateCost(c.Kind, c.Provider, c.Config)
	if err != nil {
		return nil, fmt.Errorf("price unit: %w", err)
	}

	var written *ledger.Transaction
	tx, err := m.ledger.Charge(ctx, ledger.ChargeRequest{
		UserID:  c.Owner,
		UnitID:  c.ID,
		Amount:  amount,
		Service: c.Provider,
		Note:    string(c.Kind),
	})
	switch {
	case errors.Is(err, ledger.ErrAlreadyCharged):
	case err != nil:
		return nil, err
	default:
		written = &tx
	}

	if err := u.MarkCharged(); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("save charged flag: %w", err)
	}
	return written, nil
}

// Fail moves a pending or processing unit to error. Terminal units are left
// alone. Failing never charges.
func (m *Machine) Fail(ctx context.Context, unitID, reason string) error {
	unlock := m.locks.Lock(unitID)
	defer unlock()

	u, err := m.repo.FindByID(ctx, unitID)
	if err != nil {
		return err
	}
	if u.IsTerminal() {
		return nil
	}
	if err := u.Fail(reason); err != nil {
		return fmt.Errorf("fail unit %s: %w", unitID, err)
	}
	if err := m.repo.Save(ctx, u); err != nil {
		return fmt.Errorf("save unit %s: %w", unitID, err)
	}
	m.logger.Warn("unit failed",
		slog.String("unit_id", unitID),
		slog.String("reason", reason),
	)
	return nil
}

// Reconcile charges every completed unit whose charge was never recorded on it.
// When the ledger already holds the charge only the flag is set.
func (m *Machine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	units, err := m.repo.List(ctx, unit.Filter{Status: unit.StatusCompleted, Uncharged: true})
	if err != nil {
		return report, fmt.Errorf("list uncharged units: %w", err)
	}
	for _, candidate := range units {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		m.reconcileOne(ctx, candidate.ID, &report)
	}
	if report.Charged+report.Mirrored > 0 || len(report.Failed) > 0 {
		m.logger.Info("reconciliation finished",
			slog.Int("checked", report.Checked),
			slog.Int("charged", report.Charged),
			slog.Int("mirrored", report.Mirrored),
			slog.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}

func (m *Machine) reconcileOne(ctx context.Context, unitID string, report *ReconcileReport) {
	unlock := m.locks.Lock(unitID)
	defer unlock()

	u, err := m.repo.FindByID(ctx, unitID)
	if err != nil {
		report.Failed = append(report.Failed, unitID)
		return
	}
	if !u.NeedsReconciliation() {
		return
	}
	if u.Clone().Owner == "" {
		report.Skipped++
		m.logger.Error("cannot reconcile unit without owner", slog.String("unit_id", unitID))
		return
	}

	_, err = m.ledger.ChargeFor(ctx, unitID)
	switch {
	case err == nil:
		if err := u.MarkCharged(); err == nil {
			err = m.repo.Save(ctx, u)
		}
		if err != nil {
			report.Failed = append(report.Failed, unitID)
			return
		}
		report.Mirrored++
	case errors.Is(err, ledger.ErrTransactionNotFound):
		if _, err := m.charge(ctx, u); err != nil {
			m.logger.Error("reconciliation charge failed",
				slog.String("unit_id", unitID),
				slog.String("error", err.Error()),
			)
			report.Failed = append(report.Failed, unitID)
			return
		}
		report.Charged++
	default:
		report.Failed = append(report.Failed, unitID)
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maauso/genforge/internal/unit"
)

// ChargeRequest bills a completed unit.
type ChargeRequest struct {
	UserID  string
	UnitID  string
	Amount  decimal.Decimal
	Service string
	Note    string
}

// RefundRequest returns credits for a charged unit. A zero Amount refunds the
// full charge.
type RefundRequest struct {
	UnitID string
	Amount decimal.Decimal
	Note   string
}

// ResetReport describes a monthly reset pass.
type ResetReport struct {
	DryRun bool     `json:"dry_run"`
	Users  []string `json:"users"`
	Failed []string `json:"failed,omitempty"`
}

// Service applies business rules on top of a Store.
type Service struct {
	store        Store
	rates        *RateTable
	defaultLimit decimal.Decimal
	perUSD       decimal.Decimal
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultMonthlyLimit sets the limit given to lazily created accounts.
func WithDefaultMonthlyLimit(limit decimal.Decimal) Option {
	return func(s *Service) {
		s.defaultLimit = limit
	}
}

// WithCreditsPerUSD sets the currency conversion rate used for grants.
func WithCreditsPerUSD(rate decimal.Decimal) Option {
	return func(s *Service) {
		s.perUSD = rate
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a ledger service.
func NewService(store Store, rates *RateTable, opts ...Option) *Service {
	s := &Service{
		store:  store,
		rates:  rates,
		perUSD: decimal.NewFromInt(100),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EstimateCost prices a unit without touching any account.
func (s *Service) EstimateCost(kind unit.Kind, provider string, cfg unit.Config) (decimal.Decimal, error) {
	return s.rates.EstimateCost(kind, provider, cfg)
}

// CreditsForAmount converts a currency amount into credits.
func (s *Service) CreditsForAmount(usd decimal.Decimal) decimal.Decimal {
	return usd.Mul(s.perUSD).Round(6)
}

func (s *Service) ensure(ctx context.Context, userID string) (Account, error) {
	if userID == "" {
		return Account{}, fmt.Errorf("%w: user id is required", ErrAccountNotFound)
	}
	return s.store.EnsureAccount(ctx, Account{
		UserID:       userID,
		MonthlyLimit: s.defaultLimit,
		LastResetAt:  s.now().UTC(),
	})
}

// HasSufficientBalance reports whether the balance covers amount.
func (s *Service) HasSufficientBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	a, err := s.ensure(ctx, userID)
	if err != nil {
		return false, err
	}
	return a.Balance.GreaterThanOrEqual(amount), nil
}

// CheckMonthlyLimit returns ErrMonthlyLimitExceeded when amount would push usage
// past the limit. Usage from an earlier month counts as zero.
func (s *Service) CheckMonthlyLimit(ctx context.Context, userID string, amount decimal.Decimal) error {
	a, err := s.ensure(ctx, userID)
	if err != nil {
		return err
	}
	return checkLimit(a, amount, s.now())
}

func checkLimit(a Account, amount decimal.Decimal, now time.Time) error {
	if a.MonthlyLimit.IsZero() {
		return nil
	}
	usage := a.MonthlyUsage
	if resetDue(a, now) {
		usage = decimal.Zero
	}
	if usage.Add(amount).GreaterThan(a.MonthlyLimit) {
		return fmt.Errorf("%w: usage %s + %s > limit %s", ErrMonthlyLimitExceeded, usage, amount, a.MonthlyLimit)
	}
	return nil
}

// Admit runs both admission checks for a prospective unit.
func (s *Service) Admit(ctx context.Context, userID string, amount decimal.Decimal) error {
	ok, err := s.HasSufficientBalance(ctx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: need %s", ErrInsufficientCredits, amount)
	}
	return s.CheckMonthlyLimit(ctx, userID, amount)
}

// Charge deducts amount for a completed unit. The balance check, the deduction,
// the usage increment and the transaction append happen atomically. A unit is
// charged at most once; a repeat returns ErrAlreadyCharged and changes nothing.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (Transaction, error) {
	if req.UnitID == "" {
		return Transaction{}, fmt.Errorf("%w: unit id is required", ErrInvalidAmount)
	}
	if req.Amount.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if _, err := s.ensure(ctx, req.UserID); err != nil {
		return Transaction{}, err
	}

	now := s.now()
	_, tx, err := s.store.Mutate(ctx, req.UserID, Mutation{
		Kind:    TxCharge,
		UnitID:  req.UnitID,
		Service: req.Service,
		Note:    req.Note,
		At:      now,
		Apply: func(a *Account) (decimal.Decimal, error) {
			rollover(a, now)
			if a.Balance.LessThan(req.Amount) {
				return decimal.Zero, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientCredits, a.Balance, req.Amount)
			}
			if err := checkLimit(*a, req.Amount, now); err != nil {
				return decimal.Zero, err
			}
			a.Balance = a.Balance.Sub(req.Amount)
			a.MonthlyUsage = a.MonthlyUsage.Add(req.Amount)
			return req.Amount.Neg(), nil
		},
	})
	switch {
	case errors.Is(err, ErrDuplicateEntry):
		s.logger.Error("refusing second charge for unit",
			slog.String("unit_id", req.UnitID),
			slog.String("user_id", req.UserID),
		)
		return Transaction{}, ErrAlreadyCharged
	case err != nil:
		return Transaction{}, fmt.Errorf("charge unit %s: %w", req.UnitID, err)
	}

	s.logger.Info("unit charged",
		slog.String("unit_id", req.UnitID),
		slog.String("user_id", req.UserID),
		slog.String("amount", req.Amount.String()),
		slog.String("balance", tx.BalanceAfter.String()),
	)
	return *tx, nil
}

// ChargeFor returns the charge transaction recorded for a unit, or
// ErrTransactionNotFound.
func (s *Service) ChargeFor(ctx context.Context, unitID string) (Transaction, error) {
	txs, err := s.store.Transactions(ctx, TxFilter{UnitID: unitID, Kind: TxCharge})
	if err != nil {
		return Transaction{}, err
	}
	if len(txs) == 0 {
		return Transaction{}, ErrTransactionNotFound
	}
	return txs[0], nil
}

// Refund returns credits for a charged unit. It is never triggered implicitly.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (Transaction, error) {
	charge, err := s.ChargeFor(ctx, req.UnitID)
	if err != nil {
		return Transaction{}, fmt.Errorf("refund unit %s: %w", req.UnitID, err)
	}
	charged := charge.Amount.Abs()
	amount := req.Amount
	if amount.IsZero() {
		amount = charged
	}
	if amount.IsNegative() || amount.GreaterThan(charged) {
		return Transaction{}, fmt.Errorf("%w: refund %s of a %s charge", ErrInvalidAmount, amount, charged)
	}

	_, tx, err := s.store.Mutate(ctx, charge.UserID, Mutation{
		Kind:    TxRefund,
		UnitID:  req.UnitID,
		Service: charge.Service,
		Note:    req.Note,
		At:      s.now(),
		Apply: func(a *Account) (decimal.Decimal, error) {
			a.Balance = a.Balance.Add(amount)
			a.MonthlyUsage = decimal.Max(a.MonthlyUsage.Sub(amount), decimal.Zero)
			return amount, nil
		},
	})
	switch {
	case errors.Is(err, ErrDuplicateEntry):
		return Transaction{}, ErrAlreadyRefunded
	case err != nil:
		return Transaction{}, fmt.Errorf("refund unit %s: %w", req.UnitID, err)
	}
	s.logger.Info("unit refunded",
		slog.String("unit_id", req.UnitID),
		slog.String("user_id", charge.UserID),
		slog.String("amount", amount.String()),
	)
	return *tx, nil
}

// Grant adds credits to an account, creating it if needed.
func (s *Service) Grant(ctx context.Context, userID string, amount decimal.Decimal, note string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: grant must be positive, got %s", ErrInvalidAmount, amount)
	}
	if _, err := s.ensure(ctx, userID); err != nil {
		return Transaction{}, err
	}
	_, tx, err := s.store.Mutate(ctx, userID, Mutation{
		Kind: TxGrant,
		Note: note,
		At:   s.now(),
		Apply: func(a *Account) (decimal.Decimal, error) {
			a.Balance = a.Balance.Add(amount)
			return amount, nil
		},
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("grant %s: %w", userID, err)
	}
	return *tx, nil
}

// Account returns the account without creating it.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	return s.store.Account(ctx, userID)
}

// SetMonthlyLimit changes an account's limit. Zero removes the cap.
func (s *Service) SetMonthlyLimit(ctx context.Context, userID string, limit decimal.Decimal) (Account, error) {
	if limit.IsNegative() {
		return Account{}, fmt.Errorf("%w: limit %s", ErrInvalidAmount, limit)
	}
	if _, err := s.ensure(ctx, userID); err != nil {
		return Account{}, err
	}
	a, _, err := s.store.Mutate(ctx, userID, Mutation{
		At: s.now(),
		Apply: func(a *Account) (decimal.Decimal, error) {
			a.MonthlyLimit = limit
			return decimal.Zero, nil
		},
	})
	return a, err
}

// Transactions returns ledger entries matching f.
func (s *Service) Transactions(ctx context.Context, f TxFilter) ([]Transaction, error) {
	return s.store.Transactions(ctx, f)
}

// AuditReport is the result of replaying one account's ledger.
type AuditReport struct {
	UserID  string          `json:"user_id"`
	Entries int             `json:"entries"`
	Balance decimal.Decimal `json:"balance"`
	Intact  bool            `json:"intact"`
	Problem string          `json:"problem,omitempty"`
}

// Audit replays the account's transactions through VerifyChain and checks
// that the chain ends at the stored balance. A broken chain is reported, not
// returned as an error.
func (s *Service) Audit(ctx context.Context, userID string) (AuditReport, error) {
	a, err := s.store.Account(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	txs, err := s.store.Transactions(ctx, TxFilter{UserID: userID})
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{UserID: userID, Entries: len(txs), Balance: a.Balance, Intact: true}

	end := decimal.Zero
	if len(txs) > 0 {
		end = txs[len(txs)-1].BalanceAfter
	}
	switch err := VerifyChain(txs); {
	case err != nil:
		report.Intact, report.Problem = false, err.Error()
	case !end.Equal(a.Balance):
		report.Intact = false
		report.Problem = fmt.Sprintf("%s: chain ends at %s, account holds %s", ErrBrokenChain, end, a.Balance)
	}
	if !report.Intact {
		s.logger.Error("ledger audit failed",
			slog.String("user_id", userID),
			slog.String("problem", report.Problem),
		)
	}
	return report, nil
}

// ResetMonthlyUsage zeroes usage and stamps LastResetAt now, whatever the
// date of the previous reset. Balance is untouched.
func (s *Service) ResetMonthlyUsage(ctx context.Context, userID string) (Account, error) {
	return s.reset(ctx, userID, func(a *Account, now time.Time) {
		a.MonthlyUsage = decimal.Zero
		a.LastResetAt = now.UTC()
	})
}

func (s *Service) reset(ctx context.Context, userID string, apply func(*Account, time.Time)) (Account, error) {
	now := s.now()
	a, _, err := s.store.Mutate(ctx, userID, Mutation{
		At: now,
		Apply: func(a *Account) (decimal.Decimal, error) {
			apply(a, now)
			return decimal.Zero, nil
		},
	})
	if err != nil {
		return Account{}, fmt.Errorf("reset %s: %w", userID, err)
	}
	return a, nil
}

// ResetDue resets every account whose last reset precedes the current month.
// With dryRun it only reports which accounts would be reset.
func (s *Service) ResetDue(ctx context.Context, dryRun bool) (ResetReport, error) {
	report := ResetReport{DryRun: dryRun, Users: []string{}}
	due, err := s.store.AccountsResetBefore(ctx, monthStart(s.now()))
	if err != nil {
		return report, err
	}
	for _, a := range due {
		if dryRun {
			report.Users = append(report.Users, a.UserID)
			continue
		}
		// rollover re-checks under the account lock, so overlapping runs reset once.
		if _, err := s.reset(ctx, a.UserID, rollover); err != nil {
			s.logger.Error("monthly reset failed",
				slog.String("user_id", a.UserID),
				slog.String("error", err.Error()),
			)
			report.Failed = append(report.Failed, a.UserID)
			continue
		}
		report.Users = append(report.Users, a.UserID)
	}
	if !dryRun && len(report.Users) > 0 {
		s.logger.Info("monthly usage reset", slog.Int("accounts", len(report.Users)))
	}
	return report, nil
}

// rollover zeroes usage left over from an earlier month.
func rollover(a *Account, now time.Time) {
	if resetDue(*a, now) {
		a.MonthlyUsage = decimal.Zero
		a.LastResetAt = now.UTC()
	}
}

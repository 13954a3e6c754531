// Package ledger keeps per-user credit balances, an append-only transaction log
// and monthly usage counters, and prices generation units.
//
// Every balance change goes through Store.Mutate, which runs the change and the
// transaction append under one per-account critical section. Charges and refunds
// are keyed by unit id, so retrying a completion can never bill twice.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Static errors for ledger operations.
var (
	// ErrInsufficientCredits is returned when the balance does not cover an amount.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrMonthlyLimitExceeded is returned when a charge would pass the monthly limit.
	ErrMonthlyLimitExceeded = errors.New("ledger: monthly limit exceeded")
	// ErrAlreadyCharged is returned when a unit already has a charge transaction.
	ErrAlreadyCharged = errors.New("ledger: unit already charged")
	// ErrAlreadyRefunded is returned when a unit already has a refund transaction.
	ErrAlreadyRefunded = errors.New("ledger: unit already refunded")
	// ErrNegativeBalance is returned when a mutation would drive a balance below zero.
	ErrNegativeBalance = errors.New("ledger: balance would become negative")
	// ErrAccountNotFound is returned when an account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrTransactionNotFound is returned when no transaction matches.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrDuplicateEntry is returned by stores when (unit, kind) is already recorded.
	ErrDuplicateEntry = errors.New("ledger: duplicate transaction for unit")
	// ErrInvalidAmount is returned for negative or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrNoRate is returned when no rate exists for a provider and variant.
	ErrNoRate = errors.New("ledger: no rate for provider")
	// ErrInvalidRate is returned when adding a malformed rate.
	ErrInvalidRate = errors.New("ledger: invalid rate")
	// ErrInvalidQuantity is returned when a unit has nothing billable.
	ErrInvalidQuantity = errors.New("ledger: invalid billable quantity")
	// ErrBrokenChain is returned by VerifyChain.
	ErrBrokenChain = errors.New("ledger: broken balance chain")
)

// TxKind is the type of a ledger entry.
type TxKind string

const (
	// TxCharge deducts credits for a completed unit.
	TxCharge TxKind = "charge"
	// TxRefund returns credits for a unit.
	TxRefund TxKind = "refund"
	// TxGrant adds credits to an account.
	TxGrant TxKind = "grant"
)

// Account is one user's credit account.
type Account struct {
	UserID string `json:"user_id"`
	// Balance never goes below zero.
	Balance decimal.Decimal `json:"balance"`
	// MonthlyLimit caps usage per calendar month; zero means unlimited.
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	MonthlyUsage decimal.Decimal `json:"monthly_usage"`
	LastResetAt  time.Time       `json:"last_reset_at"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Kind   TxKind `json:"kind"`
	// Amount is signed: negative for charges, positive for grants and refunds.
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	UnitID        string          `json:"unit_id,omitempty"`
	Service       string          `json:"service,omitempty"`
	Note          string          `json:"note,omitempty"`
	// Seq orders entries within one account.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// TxFilter narrows transaction queries. Zero fields match everything;
// From is inclusive and To exclusive.
type TxFilter struct {
	UserID string
	UnitID string
	Kind   TxKind
	From   time.Time
	To     time.Time
}

func (f TxFilter) matches(t Transaction) bool {
	switch {
	case f.UserID != "" && t.UserID != f.UserID:
		return false
	case f.UnitID != "" && t.UnitID != f.UnitID:
		return false
	case f.Kind != "" && t.Kind != f.Kind:
		return false
	case !f.From.IsZero() && t.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !t.CreatedAt.Before(f.To):
		return false
	}
	return true
}

// Mutation is one balance change. Apply edits the account copy it is given and
// returns the signed amount to record. Returning an error aborts with no effect.
// An empty Kind changes the account without appending a transaction.
// At stamps the change; zero means the store's clock.
type Mutation struct {
	Kind    TxKind
	UnitID  string
	Service string
	Note    string
	At      time.Time
	Apply   func(a *Account) (decimal.Decimal, error)
}

func (m Mutation) stamp(now func() time.Time) time.Time {
	if !m.At.IsZero() {
		return m.At.UTC()
	}
	return now().UTC()
}

// Store persists accounts and transactions.
type Store interface {
	// EnsureAccount creates the account from defaults if it does not exist and
	// returns the stored account.
	EnsureAccount(ctx context.Context, defaults Account) (Account, error)

	// Account returns the account or ErrAccountNotFound.
	Account(ctx context.Context, userID string) (Account, error)

	// Mutate applies m under the account's exclusive lock. When m.Kind and m.UnitID
	// are set and a transaction for (UnitID, Kind) exists, it returns
	// ErrDuplicateEntry without applying anything. A resulting negative balance
	// returns ErrNegativeBalance, also without effect.
	Mutate(ctx context.Context, userID string, m Mutation) (Account, *Transaction, error)

	// Transactions returns matching entries ordered by creation time and sequence.
	Transactions(ctx context.Context, f TxFilter) ([]Transaction, error)

	// AccountsResetBefore lists accounts whose last reset precedes t.
	AccountsResetBefore(ctx context.Context, t time.Time) ([]Account, error)
}

// VerifyChain checks each account's entries: before+amount must equal after, and
// the after of entry N must equal the before of entry N+1.
func VerifyChain(txs []Transaction) error {
	byUser := make(map[string][]Transaction)
	for _, t := range txs {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}
	for user, list := range byUser {
		slices.SortStableFunc(list, func(a, b Transaction) int {
			if a.Seq != 0 && b.Seq != 0 {
				return cmp.Compare(a.Seq, b.Seq)
			}
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		for i, t := range list {
			if !t.BalanceBefore.Add(t.Amount).Equal(t.BalanceAfter) {
				return fmt.Errorf("%w: %s entry %s: %s + (%s) != %s", ErrBrokenChain, user, t.ID,
					t.BalanceBefore, t.Amount, t.BalanceAfter)
			}
			if i > 0 && !list[i-1].BalanceAfter.Equal(t.BalanceBefore) {
				return fmt.Errorf("%w: %s entry %s starts at %s, previous ended at %s", ErrBrokenChain, user, t.ID,
					t.BalanceBefore, list[i-1].BalanceAfter)
			}
		}
	}
	return nil
}

// monthStart returns the first instant of t's calendar month in UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// resetDue reports whether a's usage belongs to an earlier calendar month than now.
func resetDue(a Account, now time.Time) bool {
	return a.LastResetAt.Before(monthStart(now))
}

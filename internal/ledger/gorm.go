package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Compile-time check that GormStore implements Store.
var _ Store = (*GormStore)(nil)

// errVersionConflict signals a lost compare-and-swap; Mutate retries it.
var errVersionConflict = errors.New("ledger: account version conflict")

const maxMutateAttempts = 5

type accountRecord struct {
	UserID       string          `gorm:"primaryKey;type:text"`
	Balance      decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	MonthlyLimit decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	MonthlyUsage decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	LastResetAt  time.Time       `gorm:"not null;index"`
	Version      int64           `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (accountRecord) TableName() string { return "credit_accounts" }

// transactionRecord is append-only. UnitID is nullable so grants never collide
// on the (unit_id, kind) unique index.
type transactionRecord struct {
	ID            string          `gorm:"primaryKey;type:text"`
	UserID        string          `gorm:"type:text;not null;index:idx_credit_tx_user_created,priority:1"`
	Kind          string          `gorm:"type:text;not null;uniqueIndex:idx_credit_tx_unit_kind,priority:2"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	UnitID        *string         `gorm:"type:text;uniqueIndex:idx_credit_tx_unit_kind,priority:1"`
	Service       string          `gorm:"type:text"`
	Note          string          `gorm:"type:text"`
	Seq           int64           `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (transactionRecord) TableName() string { return "credit_transactions" }

// GormStore persists the ledger with gorm.
//
// Each mutation runs in one database transaction: the account row is read
// (FOR UPDATE on postgres), the change is computed, and the row is updated with
// a version compare-and-swap before the transaction row is inserted. A lost
// swap rolls everything back and retries.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a store on db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// Migrate creates or updates the ledger tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&accountRecord{}, &transactionRecord{}); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// EnsureAccount inserts the account unless it exists.
func (s *GormStore) EnsureAccount(ctx context.Context, defaults Account) (Account, error) {
	now := s.now().UTC()
	rec := accountRecord{
		UserID:       defaults.UserID,
		Balance:      defaults.Balance,
		MonthlyLimit: defaults.MonthlyLimit,
		MonthlyUsage: defaults.MonthlyUsage,
		LastResetAt:  defaults.LastResetAt,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rec.LastResetAt.IsZero() {
		rec.LastResetAt = now
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return Account{}, fmt.Errorf("ensure account %s: %w", defaults.UserID, err)
	}
	return s.Account(ctx, defaults.UserID)
}

// Account loads one account.
func (s *GormStore) Account(ctx context.Context, userID string) (Account, error) {
	var rec accountRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("load account %s: %w", userID, err)
	}
	return rec.toDomain(), nil
}

// Mutate applies m in a database transaction, retrying lost version swaps.
func (s *GormStore) Mutate(ctx context.Context, userID string, m Mutation) (Account, *Transaction, error) {
	var lastErr error
	for range maxMutateAttempts {
		acct, tx, err := s.mutateOnce(ctx, userID, m)
		if !errors.Is(err, errVersionConflict) {
			return acct, tx, err
		}
		lastErr = err
	}
	return Account{}, nil, fmt.Errorf("mutate account %s: %w", userID, lastErr)
}

func (s *GormStore) mutateOnce(ctx context.Context, userID string, m Mutation) (Account, *Transaction, error) {
	var (
		out   Account
		outTx *Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		current := rec.toDomain()
		out = current

		keyed := m.Kind != "" && m.UnitID != ""
		if keyed {
			var n int64
			if err := tx.Model(&transactionRecord{}).
				Where("unit_id = ? AND kind = ?", m.UnitID, string(m.Kind)).
				Count(&n).Error; err != nil {
				return fmt.Errorf("check duplicate: %w", err)
			}
			if n > 0 {
				return ErrDuplicateEntry
			}
		}

		next := current
		amount, err := m.Apply(&next)
		if err != nil {
			return err
		}
		if next.Balance.IsNegative() {
			return ErrNegativeBalance
		}

		now := m.stamp(s.now)
		next.Version = current.Version + 1
		next.UpdatedAt = now

		res := tx.Exec(
			`UPDATE credit_accounts
			 SET balance = ?, monthly_limit = ?, monthly_usage = ?, last_reset_at = ?, version = ?, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			next.Balance, next.MonthlyLimit, next.MonthlyUsage, next.LastResetAt, next.Version, now,
			userID, current.Version,
		)
		if res.Error != nil {
			return fmt.Errorf("update account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		if m.Kind != "" {
			t := Transaction{
				ID:            uuid.NewString(),
				UserID:        userID,
				Kind:          m.Kind,
				Amount:        amount,
				BalanceBefore: current.Balance,
				BalanceAfter:  next.Balance,
				UnitID:        m.UnitID,
				Service:       m.Service,
				Note:          m.Note,
				Seq:           next.Version,
				CreatedAt:     now,
			}
			txRec := toTransactionRecord(t)
			if err := tx.Create(&txRec).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrDuplicateEntry
				}
				return fmt.Errorf("append transaction: %w", err)
			}
			outTx = &t
		}
		out = next
		return nil
	})
	if err != nil {
		return out, nil, err
	}
	return out, outTx, nil
}

// lockAccount reads the account row, taking a row lock where the dialect has one.
func (s *GormStore) lockAccount(ctx context.Context, tx *gorm.DB, userID string) (accountRecord, error) {
	q := tx.WithContext(ctx).Where("user_id = ?", userID)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec accountRecord
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, ErrAccountNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("lock account %s: %w", userID, err)
	}
	return rec, nil
}

// Transactions queries the append-only log.
func (s *GormStore) Transactions(ctx context.Context, f TxFilter) ([]Transaction, error) {
	q := s.db.WithContext(ctx).Model(&transactionRecord{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.UnitID != "" {
		q = q.Where("unit_id = ?", f.UnitID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To.UTC())
	}

	var recs []transactionRecord
	if err := q.Order("created_at, seq").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]Transaction, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// AccountsResetBefore lists accounts last reset before t.
func (s *GormStore) AccountsResetBefore(ctx context.Context, t time.Time) ([]Account, error) {
	var recs []accountRecord
	if err := s.db.WithContext(ctx).
		Where("last_reset_at < ?", t.UTC()).
		Order("user_id").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list accounts due for reset: %w", err)
	}
	out := make([]Account, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (r accountRecord) toDomain() Account {
	return Account{
		UserID:       r.UserID,
		Balance:      r.Balance,
		MonthlyLimit: r.MonthlyLimit,
		MonthlyUsage: r.MonthlyUsage,
		LastResetAt:  r.LastResetAt,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toTransactionRecord(t Transaction) transactionRecord {
	var unitID *string
	if t.UnitID != "" {
		unitID = &t.UnitID
	}
	return transactionRecord{
		ID:            t.ID,
		UserID:        t.UserID,
		Kind:          string(t.Kind),
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		UnitID:        unitID,
		Service:       t.Service,
		Note:          t.Note,
		Seq:           t.Seq,
		CreatedAt:     t.CreatedAt,
	}
}

func (r transactionRecord) toDomain() Transaction {
	t := Transaction{
		ID:            r.ID,
		UserID:        r.UserID,
		Kind:          TxKind(r.Kind),
		Amount:        r.Amount,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
		Service:       r.Service,
		Note:          r.Note,
		Seq:           r.Seq,
		CreatedAt:     r.CreatedAt,
	}
	if r.UnitID != nil {
		t.UnitID = *r.UnitID
	}
	return t
}

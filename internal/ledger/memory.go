package ledger

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type txKey struct {
	unitID string
	kind   TxKind
}

type memAccount struct {
	mu      sync.Mutex
	account Account
}

// MemoryStore is an in-memory Store. Mutations on one account are serialized by
// that account's mutex; different accounts proceed in parallel.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount

	txMu   sync.RWMutex
	txs    []Transaction
	byUnit map[txKey]struct{}

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		byUnit:   make(map[txKey]struct{}),
		now:      time.Now,
	}
}

// EnsureAccount creates the account if missing.
func (s *MemoryStore) EnsureAccount(_ context.Context, defaults Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ma, ok := s.accounts[defaults.UserID]; ok {
		ma.mu.Lock()
		defer ma.mu.Unlock()
		return ma.account, nil
	}
	now := s.now().UTC()
	a := defaults
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.LastResetAt.IsZero() {
		a.LastResetAt = now
	}
	s.accounts[a.UserID] = &memAccount{account: a}
	return a, nil
}

// Account returns a copy of the account.
func (s *MemoryStore) Account(_ context.Context, userID string) (Account, error) {
	ma, ok := s.get(userID)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.account, nil
}

func (s *MemoryStore) get(userID string) (*memAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.accounts[userID]
	return ma, ok
}

// Mutate applies m under the account mutex.
func (s *MemoryStore) Mutate(_ context.Context, userID string, m Mutation) (Account, *Transaction, error) {
	ma, ok := s.get(userID)
	if !ok {
		return Account{}, nil, ErrAccountNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()

	key := txKey{m.UnitID, m.Kind}
	keyed := m.Kind != "" && m.UnitID != ""
	if keyed && s.recorded(key) {
		return ma.account, nil, ErrDuplicateEntry
	}

	next := ma.account
	before := next.Balance
	amount, err := m.Apply(&next)
	if err != nil {
		return ma.account, nil, err
	}
	if next.Balance.IsNegative() {
		return ma.account, nil, ErrNegativeBalance
	}
	now := m.stamp(s.now)
	next.Version++
	next.UpdatedAt = now

	if m.Kind == "" {
		ma.account = next
		return next, nil, nil
	}

	tx := Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          m.Kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  next.Balance,
		UnitID:        m.UnitID,
		Service:       m.Service,
		Note:          m.Note,
		Seq:           next.Version,
		CreatedAt:     now,
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	if keyed {
		if _, dup := s.byUnit[key]; dup {
			return ma.account, nil, ErrDuplicateEntry
		}
		s.byUnit[key] = struct{}{}
	}
	s.txs = append(s.txs, tx)
	ma.account = next
	return next, &tx, nil
}

func (s *MemoryStore) recorded(k txKey) bool {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	_, ok := s.byUnit[k]
	return ok
}

// Transactions returns copies of matching entries.
func (s *MemoryStore) Transactions(_ context.Context, f TxFilter) ([]Transaction, error) {
	s.txMu.RLock()
	out := make([]Transaction, 0)
	for _, t := range s.txs {
		if f.matches(t) {
			out = append(out, t)
		}
	}
	s.txMu.RUnlock()
	slices.SortStableFunc(out, func(a, b Transaction) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Seq, b.Seq))
	})
	return out, nil
}

// AccountsResetBefore lists accounts last reset before t.
func (s *MemoryStore) AccountsResetBefore(_ context.Context, t time.Time) ([]Account, error) {
	s.mu.RLock()
	list := make([]*memAccount, 0, len(s.accounts))
	for _, ma := range s.accounts {
		list = append(list, ma)
	}
	s.mu.RUnlock()

	out := make([]Account, 0)
	for _, ma := range list {
		ma.mu.Lock()
		if ma.account.LastResetAt.Before(t) {
			out = append(out, ma.account)
		}
		ma.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Account) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// MockStore is an in-memory AccountStore for testing
type MockStore struct {
	mu sync.RWMutex

	// Storage maps
	Accounts map[int64]*models.ManagedAccount
	Copies   map[int64]map[string]models.CopyRecord // accountID -> txHash -> record
	Debits   map[int64][]decimal.Decimal
	nextID   int64

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Accounts:    make(map[int64]*models.ManagedAccount),
		Copies:      make(map[int64]map[string]models.CopyRecord),
		Debits:      make(map[int64][]decimal.Decimal),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// AddAccount seeds an account directly.
func (m *MockStore) AddAccount(acc models.ManagedAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := acc
	m.Accounts[acc.ID] = &a
	if acc.ID > m.nextID {
		m.nextID = acc.ID
	}
}

// SeedCopy marks a trade as already copied without touching the budget.
func (m *MockStore) SeedCopy(rec models.CopyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCopy(rec)
}

// CallCount returns how many times a method was called.
func (m *MockStore) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// Budget returns the current budget of an account.
func (m *MockStore) Budget(accountID int64) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.Accounts[accountID]; ok {
		return acc.BudgetRemaining
	}
	return decimal.Zero
}

// CopyCount returns the number of copy records for an account.
func (m *MockStore) CopyCount(accountID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Copies[accountID])
}

func (m *MockStore) putCopy(rec models.CopyRecord) bool {
	if m.Copies[rec.AccountID] == nil {
		m.Copies[rec.AccountID] = make(map[string]models.CopyRecord)
	}
	if _, exists := m.Copies[rec.AccountID][rec.TransactionHash]; exists {
		return false
	}
	if rec.Status == "" {
		rec.Status = models.CopyStatusFilled
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.Copies[rec.AccountID][rec.TransactionHash] = rec
	return true
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) ListAccountsWithConfig(ctx context.Context) ([]models.ManagedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListAccountsWithConfig"); err != nil {
		return nil, err
	}

	out := make([]models.ManagedAccount, 0, len(m.Accounts))
	for _, acc := range m.Accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) GetAccount(ctx context.Context, accountID int64) (*models.ManagedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetAccount"); err != nil {
		return nil, err
	}

	acc, ok := m.Accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *acc
	return &out, nil
}

func (m *MockStore) UpsertAccount(ctx context.Context, address, encryptedKey string, risk models.RiskConfig, budget decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("UpsertAccount"); err != nil {
		return 0, err
	}
	if address == "" || encryptedKey == "" || budget.IsNegative() {
		return 0, ErrInvalidInput
	}

	for _, acc := range m.Accounts {
		if acc.Address == address {
			acc.Risk = risk
			acc.BudgetRemaining = budget
			acc.UpdatedAt = time.Now().UTC()
			return acc.ID, nil
		}
	}

	m.nextID++
	m.Accounts[m.nextID] = &models.ManagedAccount{
		ID:                  m.nextID,
		Address:             address,
		EncryptedPrivateKey: encryptedKey,
		Risk:                risk,
		BudgetRemaining:     budget,
		UpdatedAt:           time.Now().UTC(),
	}
	return m.nextID, nil
}

func (m *MockStore) HasCopy(ctx context.Context, accountID int64, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("HasCopy"); err != nil {
		return false, err
	}
	_, ok := m.Copies[accountID][txHash]
	return ok, nil
}

func (m *MockStore) RecordCopy(ctx context.Context, rec models.CopyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("RecordCopy"); err != nil {
		return false, err
	}
	if err := validateRecord(rec); err != nil {
		return false, err
	}
	return m.putCopy(rec), nil
}

func (m *MockStore) DebitBudget(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("DebitBudget"); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrInvalidInput
	}

	acc, ok := m.Accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if acc.BudgetRemaining.LessThan(amount) {
		return fmt.Errorf("%w: account %d has %s, need %s", ErrInsufficientBudget, accountID, acc.BudgetRemaining, amount)
	}
	acc.BudgetRemaining = acc.BudgetRemaining.Sub(amount)
	m.Debits[accountID] = append(m.Debits[accountID], amount)
	return nil
}

func (m *MockStore) CommitCopy(ctx context.Context, rec models.CopyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CommitCopy"); err != nil {
		return false, err
	}
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	acc, ok := m.Accounts[rec.AccountID]
	if !ok {
		return false, ErrNotFound
	}
	if !m.putCopy(rec) {
		return false, nil
	}
	acc.BudgetRemaining = debit(acc.BudgetRemaining, rec.CopiedNotional)
	m.Debits[rec.AccountID] = append(m.Debits[rec.AccountID], rec.CopiedNotional)
	return true, nil
}

func (m *MockStore) ListCopies(ctx context.Context, accountID int64, limit int) ([]models.CopyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListCopies"); err != nil {
		return nil, err
	}

	out := make([]models.CopyRecord, 0, len(m.Copies[accountID]))
	for _, rec := range m.Copies[accountID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

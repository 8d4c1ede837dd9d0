package storage

import (
	"context"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// AccountStore is the durable side of the copy engine: managed accounts with
// their risk config and the dedup ledger of copied trades.
type AccountStore interface {
	Close() error

	// Accounts
	ListAccountsWithConfig(ctx context.Context) ([]models.ManagedAccount, error)
	GetAccount(ctx context.Context, accountID int64) (*models.ManagedAccount, error)
	UpsertAccount(ctx context.Context, address, encryptedKey string, risk models.RiskConfig, budget decimal.Decimal) (int64, error)

	// Ledger
	HasCopy(ctx context.Context, accountID int64, txHash string) (bool, error)
	// RecordCopy inserts the record and reports whether it was new.
	// Duplicates are a no-op.
	RecordCopy(ctx context.Context, rec models.CopyRecord) (bool, error)
	// DebitBudget subtracts amount, failing with ErrInsufficientBudget
	// rather than going negative.
	DebitBudget(ctx context.Context, accountID int64, amount decimal.Decimal) error
	// CommitCopy records the copy and debits its notional in one
	// transaction. The debit only happens when the record is new, and is
	// clamped at zero since the order already exists.
	CommitCopy(ctx context.Context, rec models.CopyRecord) (bool, error)
	ListCopies(ctx context.Context, accountID int64, limit int) ([]models.CopyRecord, error)
}

var (
	_ AccountStore = (*Store)(nil)
	_ AccountStore = (*PostgresStore)(nil)
	_ AccountStore = (*MockStore)(nil)
)

func validateRecord(rec models.CopyRecord) error {
	if rec.AccountID <= 0 || rec.TransactionHash == "" {
		return ErrInvalidInput
	}
	if rec.CopiedNotional.IsNegative() {
		return ErrInvalidInput
	}
	return nil
}

func recordStatus(rec models.CopyRecord) models.CopyStatus {
	if rec.Status == "" {
		return models.CopyStatusFilled
	}
	return rec.Status
}

// debit returns budget - amount clamped at zero.
func debit(budget, amount decimal.Decimal) decimal.Decimal {
	remaining := budget.Sub(amount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig holds the per-account copy limits.
type RiskConfig struct {
	CopyPercentage decimal.Decimal `json:"copy_percentage"` // fraction in (0, 1]
	MaxTradeSize   decimal.Decimal `json:"max_trade_size"`  // USDC cap per copied trade
}

// ManagedAccount is a wallet we trade on behalf of.
type ManagedAccount struct {
	ID                  int64           `json:"id"`
	Address             string          `json:"address"`
	EncryptedPrivateKey string          `json:"-"`
	Risk                RiskConfig      `json:"risk"`
	BudgetRemaining     decimal.Decimal `json:"budget_remaining"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// CopyStatus describes how certain we are that a copy order reached the exchange.
type CopyStatus string

const (
	// CopyStatusFilled means the exchange acknowledged the order.
	CopyStatusFilled CopyStatus = "filled"
	// CopyStatusUnknown means the submission outcome could not be confirmed
	// and needs manual reconciliation.
	CopyStatusUnknown CopyStatus = "unknown"
)

// CopyRecord is the durable proof that a trade was copied for an account.
// It is unique on (AccountID, TransactionHash) and never updated.
type CopyRecord struct {
	AccountID       int64           `json:"account_id"`
	TransactionHash string          `json:"tx_hash"`
	ConditionID     string          `json:"condition_id"`
	CopiedNotional  decimal.Decimal `json:"copied_notional"`
	OrderID         string          `json:"order_id,omitempty"`
	Status          CopyStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

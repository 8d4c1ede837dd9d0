package models

import "github.com/shopspring/decimal"

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is an executed fill observed for the followed trader.
// TransactionHash is its identity; a trade is never mutated after it is observed.
type Trade struct {
	AssetID         string          `json:"asset_id"` // CLOB token id of the outcome bought or sold
	ConditionID     string          `json:"condition_id"`
	OutcomeIndex    int             `json:"outcome_index"`
	Outcome         string          `json:"outcome"`
	Title           string          `json:"title"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`      // shares
	Timestamp       int64           `json:"timestamp"` // unix seconds
	TransactionHash string          `json:"transaction_hash"`
}

// Notional returns the USDC value of the trade (size * price).
func (t Trade) Notional() decimal.Decimal {
	return t.Size.Mul(t.Price)
}

// IsBuy reports whether the trade is a BUY fill.
func (t Trade) IsBuy() bool {
	return t.Side == SideBuy
}

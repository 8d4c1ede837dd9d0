package models

import "github.com/shopspring/decimal"

// Market is the subset of gamma market data used to value open positions.
// Prices that were absent or unparseable upstream are left invalid.
type Market struct {
	ConditionID    string                `json:"condition_id"`
	Question       string                `json:"question"`
	BestBid        decimal.NullDecimal   `json:"best_bid"`
	LastTradePrice decimal.NullDecimal   `json:"last_trade_price"`
	OutcomePrices  []decimal.NullDecimal `json:"outcome_prices"`
}

package syncer

import (
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// SkipReason explains why a trade was not copied.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNotBuy          SkipReason = "not_buy"
	SkipBudgetExhausted SkipReason = "budget_exhausted"
)

// sharePrecision is the number of decimal places kept when a notional cap is
// converted back into shares. Division truncates so cost never exceeds the cap.
const sharePrecision = 12

// Sizing is the result of sizing one trade for one account.
type Sizing struct {
	Original   decimal.Decimal // trade size * price
	Desired    decimal.Decimal // original * copy percentage
	Notional   decimal.Decimal // capped copy notional, zero when skipped
	SkipReason SkipReason
}

// Skipped reports whether the trade should not be copied.
func (s Sizing) Skipped() bool {
	return s.SkipReason != SkipNone
}

// SizeNotional caps the proportional copy of trade by the account's max
// trade size and remaining budget. SELL trades are never mirrored.
func SizeNotional(trade models.Trade, risk models.RiskConfig, budget decimal.Decimal) Sizing {
	original := trade.Notional()
	s := Sizing{
		Original: original,
		Desired:  original.Mul(risk.CopyPercentage),
		Notional: decimal.Zero,
	}

	if !trade.IsBuy() {
		s.SkipReason = SkipNotBuy
		return s
	}

	notional := decimal.Min(s.Desired, risk.MaxTradeSize, budget)
	if !notional.IsPositive() {
		s.SkipReason = SkipBudgetExhausted
		return s
	}

	s.Notional = notional
	return s
}

// ShareSizing is the share-denominated form used by the simulator, which
// needs quantities to value positions later.
type ShareSizing struct {
	Sizing
	DesiredShares decimal.Decimal
	Shares        decimal.Decimal
	Cost          decimal.Decimal // Shares * price, equal to Sizing.Notional
}

// SizeShares sizes trade in shares: size * copy percentage, capped by
// maxTradeSize/price and budget/price.
func SizeShares(trade models.Trade, risk models.RiskConfig, budget decimal.Decimal) ShareSizing {
	original := trade.Notional()
	s := ShareSizing{
		Sizing: Sizing{
			Original: original,
			Desired:  original.Mul(risk.CopyPercentage),
			Notional: decimal.Zero,
		},
		DesiredShares: trade.Size.Mul(risk.CopyPercentage),
		Shares:        decimal.Zero,
		Cost:          decimal.Zero,
	}

	if !trade.IsBuy() {
		s.SkipReason = SkipNotBuy
		return s
	}
	if !trade.Price.IsPositive() {
		s.SkipReason = SkipBudgetExhausted
		return s
	}

	shares := decimal.Min(
		s.DesiredShares,
		floorDiv(risk.MaxTradeSize, trade.Price),
		floorDiv(budget, trade.Price),
	)
	if !shares.IsPositive() {
		s.SkipReason = SkipBudgetExhausted
		return s
	}

	s.Shares = shares
	s.Cost = shares.Mul(trade.Price)
	s.Notional = s.Cost
	return s
}

func floorDiv(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, sharePrecision)
	return q
}

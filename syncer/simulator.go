package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketData is the read-only market access both runners need.
type MarketData interface {
	FetchTrades(ctx context.Context, address string) ([]models.Trade, error)
	FetchMarkets(ctx context.Context, conditionIDs []string) ([]models.Market, error)
}

var (
	_ MarketData = (*api.Client)(nil)
	_ MarketData = (*api.MockMarketData)(nil)
)

// Mark price sources in order of precedence.
const (
	MarkSourceBestBid      = "best_bid"
	MarkSourceLastTrade    = "last_trade_price"
	MarkSourceOutcomePrice = "outcome_price"
	MarkSourceUnavailable  = "unavailable"
)

// SimulationConfig is one dry-run request.
type SimulationConfig struct {
	Trader string
	Budget decimal.Decimal
	Risk   models.RiskConfig
}

// SimulationSummary is the headline of a simulation report.
type SimulationSummary struct {
	RunID           string          `json:"runId"`
	Trader          string          `json:"trader"`
	InitialBudget   decimal.Decimal `json:"initialBudget"`
	SimulatedSpend  decimal.Decimal `json:"simulatedSpend"`
	BudgetRemaining decimal.Decimal `json:"budgetRemaining"`
	TradesEvaluated int             `json:"tradesEvaluated"`
	TradesCopied    int             `json:"tradesCopied"`
}

// LedgerEntry records how one trader fill was sized.
type LedgerEntry struct {
	TransactionHash  string          `json:"txHash"`
	Timestamp        int64           `json:"timestamp"`
	ConditionID      string          `json:"conditionId"`
	TokenID          string          `json:"tokenId"`
	Outcome          string          `json:"outcome,omitempty"`
	Title            string          `json:"title,omitempty"`
	Side             models.Side     `json:"side"`
	Price            decimal.Decimal `json:"price"`
	Size             decimal.Decimal `json:"size"`
	OriginalNotional decimal.Decimal `json:"originalNotional"`
	DesiredNotional  decimal.Decimal `json:"desiredNotional"`
	DesiredShares    decimal.Decimal `json:"desiredShares"`
	CopiedShares     decimal.Decimal `json:"copiedShares"`
	CopiedNotional   decimal.Decimal `json:"copiedNotional"`
	BudgetBefore     decimal.Decimal `json:"budgetBefore"`
	BudgetAfter      decimal.Decimal `json:"budgetAfter"`
	Copied           bool            `json:"copied"`
	SkipReason       SkipReason      `json:"skipReason,omitempty"`
}

// PositionReport is a virtual position valued at its mark price.
// Mark, Value and PnL are null when no price was available.
type PositionReport struct {
	TokenID       string              `json:"tokenId"`
	ConditionID   string              `json:"conditionId"`
	OutcomeIndex  int                 `json:"outcomeIndex"`
	Outcome       string              `json:"outcome,omitempty"`
	Title         string              `json:"title,omitempty"`
	Shares        decimal.Decimal     `json:"shares"`
	CostBasis     decimal.Decimal     `json:"costBasis"`
	AvgEntryPrice decimal.Decimal     `json:"avgEntryPrice"`
	MarkPrice     decimal.NullDecimal `json:"markPrice"`
	MarkSource    string              `json:"markSource"`
	Value         decimal.NullDecimal `json:"value"`
	UnrealizedPnL decimal.NullDecimal `json:"unrealizedPnl"`
}

// PnLReport aggregates priced positions; unpriced ones are listed but not summed.
type PnLReport struct {
	Positions         []PositionReport `json:"positions"`
	TotalCost         decimal.Decimal  `json:"totalCost"`
	TotalValue        decimal.Decimal  `json:"totalValue"`
	UnrealizedPnL     decimal.Decimal  `json:"unrealizedPnl"`
	UnpricedPositions int              `json:"unpricedPositions"`
}

// SimulationReport is the full dry-run output.
type SimulationReport struct {
	Summary SimulationSummary `json:"summary"`
	Trades  []LedgerEntry     `json:"trades"`
	PnL     PnLReport         `json:"pnl"`
}

// virtualPosition accumulates simulated fills for one outcome token.
type virtualPosition struct {
	tokenID      string
	conditionID  string
	outcomeIndex int
	outcome      string
	title        string
	shares       decimal.Decimal
	cost         decimal.Decimal
}

// Simulator replays a trader's recent history against a virtual budget.
// It never signs or submits anything.
type Simulator struct {
	market   MarketData
	logger   *slog.Logger
	newRunID func() string
}

// NewSimulator creates a simulator reading from market.
func NewSimulator(market MarketData) *Simulator {
	return &Simulator{
		market:   market,
		logger:   slog.Default().With("component", "simulator"),
		newRunID: uuid.NewString,
	}
}

// Run sizes every fetched trade in timestamp order, then marks the
// resulting positions to market with a single batched market lookup.
func (s *Simulator) Run(ctx context.Context, cfg SimulationConfig) (*SimulationReport, error) {
	if cfg.Trader == "" {
		return nil, fmt.Errorf("trader address is required")
	}
	if cfg.Budget.IsNegative() {
		return nil, fmt.Errorf("budget must not be negative")
	}

	trades, err := s.market.FetchTrades(ctx, cfg.Trader)
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp < trades[j].Timestamp
	})

	report := &SimulationReport{
		Summary: SimulationSummary{
			RunID:           s.newRunID(),
			Trader:          cfg.Trader,
			InitialBudget:   cfg.Budget,
			SimulatedSpend:  decimal.Zero,
			BudgetRemaining: cfg.Budget,
			TradesEvaluated: len(trades),
		},
		Trades: make([]LedgerEntry, 0, len(trades)),
	}

	positions := make(map[string]*virtualPosition)
	var order []string

	for _, trade := range trades {
		before := report.Summary.BudgetRemaining
		sized := SizeShares(trade, cfg.Risk, before)

		entry := LedgerEntry{
			TransactionHash:  trade.TransactionHash,
			Timestamp:        trade.Timestamp,
			ConditionID:      trade.ConditionID,
			TokenID:          trade.AssetID,
			Outcome:          trade.Outcome,
			Title:            trade.Title,
			Side:             trade.Side,
			Price:            trade.Price,
			Size:             trade.Size,
			OriginalNotional: sized.Original,
			DesiredNotional:  sized.Desired,
			DesiredShares:    sized.DesiredShares,
			CopiedShares:     sized.Shares,
			CopiedNotional:   sized.Cost,
			BudgetBefore:     before,
			BudgetAfter:      before,
			SkipReason:       sized.SkipReason,
		}

		if !sized.Skipped() {
			after := before.Sub(sized.Cost)
			report.Summary.BudgetRemaining = after
			report.Summary.SimulatedSpend = report.Summary.SimulatedSpend.Add(sized.Cost)
			report.Summary.TradesCopied++
			entry.BudgetAfter = after
			entry.Copied = true

			pos, ok := positions[trade.AssetID]
			if !ok {
				pos = &virtualPosition{
					tokenID:      trade.AssetID,
					conditionID:  trade.ConditionID,
					outcomeIndex: trade.OutcomeIndex,
					outcome:      trade.Outcome,
					title:        trade.Title,
					shares:       decimal.Zero,
					cost:         decimal.Zero,
				}
				positions[trade.AssetID] = pos
				order = append(order, trade.AssetID)
			}
			pos.shares = pos.shares.Add(sized.Shares)
			pos.cost = pos.cost.Add(sized.Cost)
		}

		report.Trades = append(report.Trades, entry)
	}

	pnl, err := s.markToMarket(ctx, positions, order)
	if err != nil {
		return nil, err
	}
	report.PnL = pnl

	s.logger.Info("simulation complete",
		"run_id", report.Summary.RunID,
		"trader", cfg.Trader,
		"evaluated", report.Summary.TradesEvaluated,
		"copied", report.Summary.TradesCopied,
		"spend", report.Summary.SimulatedSpend.String(),
		"positions", len(pnl.Positions),
	)

	return report, nil
}

func (s *Simulator) markToMarket(ctx context.Context, positions map[string]*virtualPosition, order []string) (PnLReport, error) {
	pnl := PnLReport{
		Positions:     make([]PositionReport, 0, len(order)),
		TotalCost:     decimal.Zero,
		TotalValue:    decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	if len(order) == 0 {
		return pnl, nil
	}

	var conditionIDs []string
	seen := make(map[string]bool)
	for _, token := range order {
		id := positions[token].conditionID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		conditionIDs = append(conditionIDs, id)
	}

	markets := make(map[string]models.Market, len(conditionIDs))
	if len(conditionIDs) > 0 {
		fetched, err := s.market.FetchMarkets(ctx, conditionIDs)
		if err != nil {
			return pnl, fmt.Errorf("fetch markets: %w", err)
		}
		for _, m := range fetched {
			markets[m.ConditionID] = m
		}
	}

	for _, token := range order {
		pos := positions[token]
		pr := PositionReport{
			TokenID:       pos.tokenID,
			ConditionID:   pos.conditionID,
			OutcomeIndex:  pos.outcomeIndex,
			Outcome:       pos.outcome,
			Title:         pos.title,
			Shares:        pos.shares,
			CostBasis:     pos.cost,
			AvgEntryPrice: decimal.Zero,
			MarkSource:    MarkSourceUnavailable,
		}
		if pos.shares.IsPositive() {
			pr.AvgEntryPrice = pos.cost.Div(pos.shares)
		}

		market, ok := markets[pos.conditionID]
		if ok {
			if mark, source, found := markPrice(market, pos.outcomeIndex); found {
				value := pos.shares.Mul(mark)
				pr.MarkPrice = decimal.NewNullDecimal(mark)
				pr.MarkSource = source
				pr.Value = decimal.NewNullDecimal(value)
				pr.UnrealizedPnL = decimal.NewNullDecimal(value.Sub(pos.cost))

				pnl.TotalCost = pnl.TotalCost.Add(pos.cost)
				pnl.TotalValue = pnl.TotalValue.Add(value)
			}
		}
		if !pr.MarkPrice.Valid {
			pnl.UnpricedPositions++
			s.logger.Warn("no mark price for position",
				"token_id", pos.tokenID,
				"condition_id", pos.conditionID,
			)
		}

		pnl.Positions = append(pnl.Positions, pr)
	}

	pnl.UnrealizedPnL = pnl.TotalValue.Sub(pnl.TotalCost)
	return pnl, nil
}

// markPrice picks the first usable price: best bid, then last trade price,
// then the outcome price at outcomeIndex.
func markPrice(m models.Market, outcomeIndex int) (decimal.Decimal, string, bool) {
	if usable(m.BestBid) {
		return m.BestBid.Decimal, MarkSourceBestBid, true
	}
	if usable(m.LastTradePrice) {
		return m.LastTradePrice.Decimal, MarkSourceLastTrade, true
	}
	if outcomeIndex >= 0 && outcomeIndex < len(m.OutcomePrices) && usable(m.OutcomePrices[outcomeIndex]) {
		return m.OutcomePrices[outcomeIndex].Decimal, MarkSourceOutcomePrice, true
	}
	return decimal.Zero, "", false
}

func usable(d decimal.NullDecimal) bool {
	return d.Valid && !d.Decimal.IsNegative()
}

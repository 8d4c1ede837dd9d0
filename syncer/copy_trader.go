package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/utils"

	"github.com/shopspring/decimal"
)

// SessionProvider hands out an authenticated order session per account.
type SessionProvider interface {
	Get(ctx context.Context, account models.ManagedAccount) (api.Submitter, error)
}

var _ SessionProvider = (*api.SessionManager)(nil)

// CopyTraderConfig holds configuration for the live runner
type CopyTraderConfig struct {
	Trader        string
	PollInterval  time.Duration
	Retry         utils.RetryPolicy
	SubmitTimeout time.Duration // per attempt, 0 disables
}

// CopyTrader polls one trader's fills and mirrors new BUYs into every
// managed account.
type CopyTrader struct {
	market   MarketData
	store    storage.AccountStore
	sessions SessionProvider
	config   CopyTraderConfig
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	lastSeen int64
	stats    CopyTraderStats

	stopOnce sync.Once
	stopCh   chan struct{}
}

// TickSummary counts what one tick did.
type TickSummary struct {
	NewTrades int
	Accounts  int
	Results   map[CopyResult]int
}

// NewCopyTrader creates a live runner. Only trades strictly newer than the
// moment of construction are ever copied.
func NewCopyTrader(market MarketData, store storage.AccountStore, sessions SessionProvider, config CopyTraderConfig, metrics *Metrics) (*CopyTrader, error) {
	if config.Trader == "" {
		return nil, fmt.Errorf("trader address is required")
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if config.Retry.Attempts < 1 {
		config.Retry = utils.DefaultRetryPolicy()
	}

	now := time.Now().Unix()
	return &CopyTrader{
		market:   market,
		store:    store,
		sessions: sessions,
		config:   config,
		metrics:  metrics,
		logger:   slog.Default().With("component", "copy_trader", "trader", utils.ShortAddress(config.Trader)),
		lastSeen: now,
		stats: CopyTraderStats{
			Trader:            config.Trader,
			LastSeenTimestamp: now,
		},
		stopCh: make(chan struct{}),
	}, nil
}

// Run polls until ctx is cancelled or Stop is called. The next tick is
// scheduled only after the previous one finished, so ticks never overlap.
// A tick in progress runs to completion.
func (ct *CopyTrader) Run(ctx context.Context) error {
	ct.setRunning(true)
	defer ct.setRunning(false)

	ct.logger.Info("copy trader started",
		"poll_interval", ct.config.PollInterval.String(),
		"last_seen", ct.LastSeen(),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			ct.logger.Info("copy trader stopped")
			return nil
		case <-ct.stopCh:
			ct.logger.Info("copy trader stopped")
			return nil
		case <-timer.C:
		}

		if _, err := ct.Tick(context.WithoutCancel(ctx)); err != nil {
			ct.logger.Error("tick failed", "error", err)
		}
		timer.Reset(ct.config.PollInterval)
	}
}

// Stop ends Run after the current tick.
func (ct *CopyTrader) Stop() {
	ct.stopOnce.Do(func() { close(ct.stopCh) })
}

// LastSeen returns the timestamp of the newest processed trade.
func (ct *CopyTrader) LastSeen() int64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.lastSeen
}

// Stats returns a snapshot of the runner's counters.
func (ct *CopyTrader) Stats() CopyTraderStats {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.stats
}

// Tick performs one poll: fetch, filter newer than lastSeen, and fan each
// new trade out to every managed account in timestamp order.
func (ct *CopyTrader) Tick(ctx context.Context) (TickSummary, error) {
	summary := TickSummary{Results: make(map[CopyResult]int)}
	ct.metrics.tick()

	trades, err := ct.market.FetchTrades(ctx, ct.config.Trader)
	if err != nil {
		return summary, ct.tickFailed(fmt.Errorf("fetch trades: %w", err))
	}

	lastSeen := ct.LastSeen()
	fresh := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Timestamp > lastSeen {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		ct.tickDone(summary, lastSeen)
		return summary, nil
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Timestamp < fresh[j].Timestamp
	})
	summary.NewTrades = len(fresh)
	ct.metrics.tradesSeen(len(fresh))

	// Trades stay unprocessed until accounts load; lastSeen is not moved.
	accounts, err := ct.store.ListAccountsWithConfig(ctx)
	if err != nil {
		return summary, ct.tickFailed(fmt.Errorf("list accounts: %w", err))
	}
	summary.Accounts = len(accounts)
	ct.metrics.accounts(len(accounts))

	ct.logger.Info("new trades detected", "trades", len(fresh), "accounts", len(accounts))

	newest := lastSeen
	for _, trade := range fresh {
		for i := range accounts {
			result := ct.copyTrade(ctx, trade, &accounts[i])
			summary.Results[result]++
		}
		if trade.Timestamp > newest {
			newest = trade.Timestamp
		}
	}

	ct.tickDone(summary, newest)
	return summary, nil
}

func (ct *CopyTrader) tickFailed(err error) error {
	ct.metrics.tickError()

	ct.mu.Lock()
	ct.stats.Ticks++
	ct.stats.LastTickAt = time.Now()
	ct.stats.LastError = err.Error()
	ct.mu.Unlock()

	return err
}

func (ct *CopyTrader) tickDone(summary TickSummary, newest int64) {
	ct.mu.Lock()
	if newest > ct.lastSeen {
		ct.lastSeen = newest
	}
	ct.stats.LastSeenTimestamp = ct.lastSeen
	ct.stats.Ticks++
	ct.stats.LastTickAt = time.Now()
	ct.stats.LastError = ""
	ct.stats.TradesSeen += int64(summary.NewTrades)
	for result, n := range summary.Results {
		for i := 0; i < n; i++ {
			ct.stats.add(result)
		}
	}
	last := ct.lastSeen
	ct.mu.Unlock()

	ct.metrics.lastSeen(last)
}

func (ct *CopyTrader) setRunning(running bool) {
	ct.mu.Lock()
	ct.stats.Running = running
	ct.mu.Unlock()
}

// copyTrade mirrors one trade into one account. account.BudgetRemaining is
// decremented in place on success so later trades in the same tick see it.
func (ct *CopyTrader) copyTrade(ctx context.Context, trade models.Trade, account *models.ManagedAccount) CopyResult {
	log := ct.logger.With("account_id", account.ID, "tx", trade.TransactionHash)

	result := ct.copyTradeResult(ctx, log, trade, account)
	ct.metrics.copyResult(result)
	return result
}

func (ct *CopyTrader) copyTradeResult(ctx context.Context, log *slog.Logger, trade models.Trade, account *models.ManagedAccount) CopyResult {
	if !trade.IsBuy() {
		log.Debug("skipping non-buy trade", "side", trade.Side)
		return ResultSkippedNotBuy
	}

	copied, err := ct.store.HasCopy(ctx, account.ID, trade.TransactionHash)
	if err != nil {
		log.Error("dedup check failed", "error", err)
		return ResultFailed
	}
	if copied {
		log.Info("trade already copied")
		return ResultDuplicate
	}

	sizing := SizeNotional(trade, account.Risk, account.BudgetRemaining)
	if sizing.Skipped() {
		log.Info("skipping trade",
			"reason", sizing.SkipReason,
			"budget_remaining", account.BudgetRemaining.String(),
		)
		return ResultSkippedBudget
	}

	session, err := ct.sessions.Get(ctx, *account)
	if err != nil {
		log.Error("session unavailable", "error", err)
		return ResultFailed
	}

	started := time.Now()
	order, attempts, err := utils.Retry(ctx, ct.config.Retry, func(ctx context.Context) (*api.OrderResult, error) {
		attemptCtx, cancel := ct.attemptContext(ctx)
		defer cancel()

		res, err := session.SubmitMarketOrder(attemptCtx, trade.AssetID, models.SideBuy, sizing.Notional)
		if errors.Is(err, api.ErrUnknownOutcome) {
			// The order may already be on the book; resubmitting could double it.
			return nil, utils.Permanent(err)
		}
		if err != nil {
			log.Warn("order submission failed", "error", err)
		}
		return res, err
	})
	ct.metrics.submitted(time.Since(started))

	switch {
	case err == nil:
		log.Info("order placed",
			"order_id", order.OrderID,
			"notional", sizing.Notional.String(),
			"token_id", trade.AssetID,
			"attempts", attempts,
		)
		return ct.commit(ctx, log, trade, account, sizing.Notional, order.OrderID, models.CopyStatusFilled)

	case errors.Is(err, api.ErrUnknownOutcome):
		return ct.reconcile(ctx, log, session, trade, account, sizing.Notional, err)

	default:
		log.Error("copy failed",
			"error", err,
			"attempts", attempts,
			"notional", sizing.Notional.String(),
		)
		return ResultFailed
	}
}

// reconcile resolves a submission whose outcome is unknown by looking the
// order up by hash. Either way a record is written so the trade is not
// submitted again.
func (ct *CopyTrader) reconcile(ctx context.Context, log *slog.Logger, session api.Submitter, trade models.Trade, account *models.ManagedAccount, notional decimal.Decimal, submitErr error) CopyResult {
	var unknown *api.UnknownOutcomeError
	hash := ""
	if errors.As(submitErr, &unknown) {
		hash = unknown.OrderHash
	}

	if hash != "" {
		order, err := session.LookupOrder(ctx, hash)
		if err == nil {
			orderID := order.ID
			if orderID == "" {
				orderID = hash
			}
			if orderMatched(order) {
				log.Info("reconciled order after unknown outcome", "order_id", orderID, "status", order.Status)
				return ct.commit(ctx, log, trade, account, notional, orderID, models.CopyStatusFilled)
			}
			log.Error("order found but not matched, recording for manual review",
				"order_id", orderID,
				"status", order.Status,
				"size_matched", order.SizeMatched,
				"notional", notional.String(),
			)
			if res := ct.commit(ctx, log, trade, account, notional, orderID, models.CopyStatusUnknown); res != ResultCopied {
				return res
			}
			return ResultUnknown
		}
		log.Warn("order lookup failed", "order_hash", hash, "error", err)
	}

	log.Error("order outcome unknown, recording for manual review",
		"error", submitErr,
		"order_hash", hash,
		"notional", notional.String(),
	)
	if res := ct.commit(ctx, log, trade, account, notional, hash, models.CopyStatusUnknown); res != ResultCopied {
		return res
	}
	return ResultUnknown
}

// orderMatched reports whether a looked-up order actually traded.
func orderMatched(order *api.OpenOrder) bool {
	if strings.EqualFold(order.Status, "matched") {
		return true
	}
	matched, err := decimal.NewFromString(order.SizeMatched)
	return err == nil && matched.IsPositive()
}

func (ct *CopyTrader) commit(ctx context.Context, log *slog.Logger, trade models.Trade, account *models.ManagedAccount, notional decimal.Decimal, orderID string, status models.CopyStatus) CopyResult {
	rec := models.CopyRecord{
		AccountID:       account.ID,
		TransactionHash: trade.TransactionHash,
		ConditionID:     trade.ConditionID,
		CopiedNotional:  notional,
		OrderID:         orderID,
		Status:          status,
	}

	inserted, err := ct.store.CommitCopy(ctx, rec)
	if err != nil {
		log.Error("order placed but copy record failed", "error", err, "order_id", orderID)
		return ResultFailed
	}
	if !inserted {
		log.Warn("copy already recorded", "order_id", orderID)
		return ResultDuplicate
	}

	remaining := account.BudgetRemaining.Sub(notional)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	account.BudgetRemaining = remaining
	return ResultCopied
}

func (ct *CopyTrader) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ct.config.SubmitTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, ct.config.SubmitTimeout)
}

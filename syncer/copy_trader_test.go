package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type liveHarness struct {
	market     *api.MockMarketData
	store      *storage.MockStore
	decrypter  *api.MockDecrypter
	submitters map[string]*api.MockSubmitter // plaintext key -> session
	metrics    *Metrics
	ct         *CopyTrader
}

func account(id int64, budget, pct, max string) models.ManagedAccount {
	return models.ManagedAccount{
		ID:                  id,
		Address:             fmt.Sprintf("0xacc%d", id),
		EncryptedPrivateKey: fmt.Sprintf("enc-%d", id),
		Risk:                risk(pct, max),
		BudgetRemaining:     dec(budget),
	}
}

func newLiveHarness(t *testing.T, accounts ...models.ManagedAccount) *liveHarness {
	t.Helper()

	h := &liveHarness{
		market:     api.NewMockMarketData(),
		store:      storage.NewMockStore(),
		decrypter:  api.NewMockDecrypter(),
		submitters: make(map[string]*api.MockSubmitter),
		metrics:    NewMetrics(prometheus.NewRegistry()),
	}

	for _, acc := range accounts {
		key := fmt.Sprintf("key-%d", acc.ID)
		h.store.AddAccount(acc)
		h.decrypter.Keys[acc.EncryptedPrivateKey] = key
		h.submitters[key] = api.NewMockSubmitter()
	}

	factory := func(ctx context.Context, key string) (api.Submitter, error) {
		s, ok := h.submitters[key]
		if !ok {
			return nil, fmt.Errorf("no session for %s", key)
		}
		return s, nil
	}

	ct, err := NewCopyTrader(h.market, h.store, api.NewSessionManager(h.decrypter, factory), CopyTraderConfig{
		Trader:       "0xtrader",
		PollInterval: 10 * time.Millisecond,
		Retry:        utils.RetryPolicy{Attempts: 3},
	}, h.metrics)
	if err != nil {
		t.Fatalf("NewCopyTrader() error = %v", err)
	}
	ct.lastSeen = 0
	h.ct = ct
	return h
}

func (h *liveHarness) submitter(accountID int64) *api.MockSubmitter {
	return h.submitters[fmt.Sprintf("key-%d", accountID)]
}

func (h *liveHarness) record(t *testing.T, accountID int64, tx string) models.CopyRecord {
	t.Helper()
	rec, ok := h.store.Copies[accountID][tx]
	if !ok {
		t.Fatalf("no copy record for account %d tx %s", accountID, tx)
	}
	return rec
}

func TestTickCopiesToEveryAccount(t *testing.T) {
	h := newLiveHarness(t,
		account(1, "100", "0.25", "10"),
		account(2, "5", "0.25", "10"),
	)
	h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if summary.NewTrades != 1 || summary.Accounts != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Results[ResultCopied] != 2 {
		t.Errorf("copied = %d, want 2", summary.Results[ResultCopied])
	}

	wantAmounts := map[int64]string{1: "10", 2: "5"}
	for id, want := range wantAmounts {
		orders := h.submitter(id).Submitted
		if len(orders) != 1 {
			t.Fatalf("account %d submissions = %d, want 1", id, len(orders))
		}
		if !orders[0].Amount.Equal(dec(want)) || orders[0].Side != models.SideBuy || orders[0].TokenID != "token-0x1" {
			t.Errorf("account %d order = %+v, want BUY %s of token-0x1", id, orders[0], want)
		}

		rec := h.record(t, id, "0x1")
		if rec.Status != models.CopyStatusFilled || rec.OrderID != "mock-order" {
			t.Errorf("account %d record = %+v", id, rec)
		}
		if !rec.CopiedNotional.Equal(dec(want)) {
			t.Errorf("account %d copied notional = %s, want %s", id, rec.CopiedNotional, want)
		}
	}

	if got := h.store.Budget(1); !got.Equal(dec("90")) {
		t.Errorf("account 1 budget = %s, want 90", got)
	}
	if got := h.store.Budget(2); !got.IsZero() {
		t.Errorf("account 2 budget = %s, want 0", got)
	}
	if got := h.ct.LastSeen(); got != 100 {
		t.Errorf("LastSeen() = %d, want 100", got)
	}
	if got := testutil.ToFloat64(h.metrics.Copies.WithLabelValues(string(ResultCopied))); got != 2 {
		t.Errorf("copies metric = %v, want 2", got)
	}
}

func TestTickSkipsAlreadyCopiedAccount(t *testing.T) {
	h := newLiveHarness(t,
		account(1, "100", "0.25", "10"),
		account(2, "100", "0.25", "10"),
	)
	h.store.SeedCopy(models.CopyRecord{AccountID: 1, TransactionHash: "0x1", CopiedNotional: dec("10")})
	h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if summary.Results[ResultDuplicate] != 1 || summary.Results[ResultCopied] != 1 {
		t.Errorf("results = %v", summary.Results)
	}
	if n := len(h.submitter(1).Submitted); n != 0 {
		t.Errorf("account 1 submissions = %d, want 0", n)
	}
	if h.decrypter.Calls != 1 {
		t.Errorf("decrypt calls = %d, want 1", h.decrypter.Calls)
	}
	if n := len(h.submitter(2).Submitted); n != 1 {
		t.Errorf("account 2 submissions = %d, want 1", n)
	}
	if got := h.store.Budget(1); !got.Equal(dec("100")) {
		t.Errorf("account 1 budget = %s, want 100", got)
	}
	if got := h.store.Budget(2); !got.Equal(dec("90")) {
		t.Errorf("account 2 budget = %s, want 90", got)
	}
}

func TestCopyTradeIsIdempotent(t *testing.T) {
	h := newLiveHarness(t, account(1, "100", "0.25", "10"))
	trade := buyTrade("0x1", 100, "100", "0.40")

	accounts, err := h.store.ListAccountsWithConfig(context.Background())
	if err != nil {
		t.Fatalf("ListAccountsWithConfig() error = %v", err)
	}
	acc := &accounts[0]

	first := h.ct.copyTrade(context.Background(), trade, acc)
	second := h.ct.copyTrade(context.Background(), trade, acc)

	if first != ResultCopied {
		t.Errorf("first = %s, want %s", first, ResultCopied)
	}
	if second != ResultDuplicate {
		t.Errorf("second = %s, want %s", second, ResultDuplicate)
	}
	if n := h.store.CopyCount(1); n != 1 {
		t.Errorf("copy records = %d, want 1", n)
	}
	if n := len(h.store.Debits[1]); n != 1 {
		t.Errorf("debits = %d, want 1", n)
	}
	if n := len(h.submitter(1).Submitted); n != 1 {
		t.Errorf("submissions = %d, want 1", n)
	}
	if !acc.BudgetRemaining.Equal(dec("90")) {
		t.Errorf("in-memory budget = %s, want 90", acc.BudgetRemaining)
	}
}

func TestTickDebitsBudgetWithinTick(t *testing.T) {
	h := newLiveHarness(t, account(1, "12", "0.25", "10"))
	h.market.SetTrades(
		buyTrade("0x3", 30, "100", "0.40"),
		buyTrade("0x1", 10, "100", "0.40"),
		buyTrade("0x2", 20, "100", "0.40"),
	)

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	orders := h.submitter(1).Submitted
	if len(orders) != 2 {
		t.Fatalf("submissions = %d, want 2", len(orders))
	}
	if !orders[0].Amount.Equal(dec("10")) || orders[0].TokenID != "token-0x1" {
		t.Errorf("first order = %+v, want 10 of token-0x1", orders[0])
	}
	if !orders[1].Amount.Equal(dec("2")) || orders[1].TokenID != "token-0x2" {
		t.Errorf("second order = %+v, want 2 of token-0x2", orders[1])
	}
	if summary.Results[ResultSkippedBudget] != 1 {
		t.Errorf("budget skips = %d, want 1", summary.Results[ResultSkippedBudget])
	}
	if got := h.store.Budget(1); !got.IsZero() {
		t.Errorf("budget = %s, want 0", got)
	}
	if got := h.ct.LastSeen(); got != 30 {
		t.Errorf("LastSeen() = %d, want 30", got)
	}
}

func TestTickIgnoresSells(t *testing.T) {
	h := newLiveHarness(t, account(1, "100", "0.25", "10"))
	sell := buyTrade("0x1", 100, "100", "0.40")
	sell.Side = models.SideSell
	h.market.SetTrades(sell)

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if summary.Results[ResultSkippedNotBuy] != 1 {
		t.Errorf("results = %v", summary.Results)
	}
	if n := len(h.submitter(1).Submitted); n != 0 {
		t.Errorf("submissions = %d, want 0", n)
	}
	if n := h.store.CopyCount(1); n != 0 {
		t.Errorf("copy records = %d, want 0", n)
	}
	if got := h.store.Budget(1); !got.Equal(dec("100")) {
		t.Errorf("budget = %s, want 100", got)
	}
	if got := h.ct.LastSeen(); got != 100 {
		t.Errorf("LastSeen() = %d, want 100", got)
	}
}

func TestLastSeenIsMonotonic(t *testing.T) {
	h := newLiveHarness(t, account(1, "100", "0.25", "10"))
	h.ct.lastSeen = 50

	h.market.SetTrades(buyTrade("0xold", 40, "100", "0.40"), buyTrade("0xsame", 50, "100", "0.40"))
	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if summary.NewTrades != 0 {
		t.Errorf("NewTrades = %d, want 0", summary.NewTrades)
	}
	if got := h.ct.LastSeen(); got != 50 {
		t.Errorf("LastSeen() = %d, want 50", got)
	}
	if h.store.CallCount("ListAccountsWithConfig") != 0 {
		t.Error("accounts loaded without new trades")
	}

	h.market.ErrorOnNext["FetchTrades"] = errors.New("data api down")
	if _, err := h.ct.Tick(context.Background()); err == nil {
		t.Error("expected fetch error")
	}
	if got := h.ct.LastSeen(); got != 50 {
		t.Errorf("LastSeen() after failed fetch = %d, want 50", got)
	}

	h.market.SetTrades(buyTrade("0xnew", 60, "100", "0.40"))
	if _, err := h.ct.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := h.ct.LastSeen(); got != 60 {
		t.Errorf("LastSeen() = %d, want 60", got)
	}
	if got := testutil.ToFloat64(h.metrics.TickErrors); got != 1 {
		t.Errorf("tick errors metric = %v, want 1", got)
	}
}

func TestTickRetriesTradesWhenAccountsFailToLoad(t *testing.T) {
	h := newLiveHarness(t, account(1, "100", "0.25", "10"))
	h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))
	h.store.ErrorOnNext["ListAccountsWithConfig"] = errors.New("db locked")

	if _, err := h.ct.Tick(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := h.ct.LastSeen(); got != 0 {
		t.Errorf("LastSeen() = %d, want 0", got)
	}

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if summary.Results[ResultCopied] != 1 {
		t.Errorf("results = %v", summary.Results)
	}
	if got := h.ct.LastSeen(); got != 100 {
		t.Errorf("LastSeen() = %d, want 100", got)
	}
}

func TestSubmitRetries(t *testing.T) {
	t.Run("succeeds on third attempt", func(t *testing.T) {
		h := newLiveHarness(t, account(1, "100", "0.25", "10"))
		h.submitter(1).SubmitErrors = []error{errors.New("502"), errors.New("timeout")}
		h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

		summary, err := h.ct.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if summary.Results[ResultCopied] != 1 {
			t.Errorf("results = %v", summary.Results)
		}
		if n := h.submitter(1).CallCount("SubmitMarketOrder"); n != 3 {
			t.Errorf("submit calls = %d, want 3", n)
		}
		if n := h.store.CopyCount(1); n != 1 {
			t.Errorf("copy records = %d, want 1", n)
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		h := newLiveHarness(t, account(1, "100", "0.25", "10"))
		rejected := &api.RejectedError{StatusCode: 400, Message: "not enough balance"}
		h.submitter(1).SubmitErrors = []error{rejected, rejected, rejected, rejected}
		h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

		summary, err := h.ct.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if summary.Results[ResultFailed] != 1 {
			t.Errorf("results = %v", summary.Results)
		}
		if n := h.submitter(1).CallCount("SubmitMarketOrder"); n != 3 {
			t.Errorf("submit calls = %d, want 3", n)
		}
		if n := h.store.CopyCount(1); n != 0 {
			t.Errorf("copy records = %d, want 0", n)
		}
		if got := h.store.Budget(1); !got.Equal(dec("100")) {
			t.Errorf("budget = %s, want 100", got)
		}
		if got := h.ct.LastSeen(); got != 100 {
			t.Errorf("LastSeen() = %d, want 100", got)
		}
	})
}

func TestUnknownOutcome(t *testing.T) {
	unknown := &api.UnknownOutcomeError{OrderHash: "0xhash", Err: context.DeadlineExceeded}

	t.Run("reconciled by lookup", func(t *testing.T) {
		h := newLiveHarness(t, account(1, "100", "0.25", "10"))
		h.submitter(1).SubmitErrors = []error{unknown}
		h.submitter(1).Orders["0xhash"] = &api.OpenOrder{ID: "0xhash", Status: "MATCHED"}
		h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

		summary, err := h.ct.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if summary.Results[ResultCopied] != 1 {
			t.Errorf("results = %v", summary.Results)
		}
		if n := h.submitter(1).CallCount("SubmitMarketOrder"); n != 1 {
			t.Errorf("submit calls = %d, want 1", n)
		}
		rec := h.record(t, 1, "0x1")
		if rec.Status != models.CopyStatusFilled || rec.OrderID != "0xhash" {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("matched size counts as filled", func(t *testing.T) {
		h := newLiveHarness(t, account(1, "100", "0.25", "10"))
		h.submitter(1).SubmitErrors = []error{unknown}
		h.submitter(1).Orders["0xhash"] = &api.OpenOrder{ID: "0xhash", Status: "LIVE", SizeMatched: "12.5"}
		h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

		summary, err := h.ct.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if summary.Results[ResultCopied] != 1 {
			t.Errorf("results = %v", summary.Results)
		}
		if rec := h.record(t, 1, "0x1"); rec.Status != models.CopyStatusFilled {
			t.Errorf("record = %+v", rec)
		}
	})

	for _, order := range []*api.OpenOrder{
		{ID: "0xhash", Status: "CANCELED", SizeMatched: "0"},
		{ID: "0xhash", Status: "UNMATCHED"},
		{ID: "0xhash", Status: "LIVE", SizeMatched: "bogus"},
	} {
		t.Run("found but unmatched "+order.Status, func(t *testing.T) {
			h := newLiveHarness(t, account(1, "100", "0.25", "10"))
			h.submitter(1).SubmitErrors = []error{unknown}
			h.submitter(1).Orders["0xhash"] = order
			h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

			summary, err := h.ct.Tick(context.Background())
			if err != nil {
				t.Fatalf("Tick() error = %v", err)
			}
			if summary.Results[ResultUnknown] != 1 || summary.Results[ResultCopied] != 0 {
				t.Errorf("results = %v", summary.Results)
			}
			rec := h.record(t, 1, "0x1")
			if rec.Status != models.CopyStatusUnknown || rec.OrderID != "0xhash" {
				t.Errorf("record = %+v", rec)
			}
			if n := h.submitter(1).CallCount("SubmitMarketOrder"); n != 1 {
				t.Errorf("submit calls = %d, want 1", n)
			}
		})
	}

	t.Run("recorded as unknown when not found", func(t *testing.T) {
		h := newLiveHarness(t, account(1, "100", "0.25", "10"))
		h.submitter(1).SubmitErrors = []error{unknown}
		h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

		summary, err := h.ct.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if summary.Results[ResultUnknown] != 1 {
			t.Errorf("results = %v", summary.Results)
		}
		if n := h.submitter(1).CallCount("SubmitMarketOrder"); n != 1 {
			t.Errorf("submit calls = %d, want 1", n)
		}
		if n := h.submitter(1).CallCount("LookupOrder"); n != 1 {
			t.Errorf("lookup calls = %d, want 1", n)
		}
		rec := h.record(t, 1, "0x1")
		if rec.Status != models.CopyStatusUnknown || rec.OrderID != "0xhash" {
			t.Errorf("record = %+v", rec)
		}
		if got := h.store.Budget(1); !got.Equal(dec("90")) {
			t.Errorf("budget = %s, want 90", got)
		}

		// A later tick must not resubmit it.
		h.ct.lastSeen = 0
		if _, err := h.ct.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
		if n := h.submitter(1).CallCount("SubmitMarketOrder"); n != 1 {
			t.Errorf("submit calls after second tick = %d, want 1", n)
		}
	})
}

func TestAccountFailuresAreIsolated(t *testing.T) {
	h := newLiveHarness(t,
		account(1, "100", "0.25", "10"),
		account(2, "100", "0.25", "10"),
		account(3, "100", "0.25", "10"),
	)
	delete(h.decrypter.Keys, "enc-2")
	h.store.ErrorOnNext["HasCopy"] = errors.New("db hiccup")
	h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	// Account 1 fails the dedup check, account 2 has no key, account 3 copies.
	if summary.Results[ResultFailed] != 2 || summary.Results[ResultCopied] != 1 {
		t.Errorf("results = %v", summary.Results)
	}
	if n := len(h.submitter(3).Submitted); n != 1 {
		t.Errorf("account 3 submissions = %d, want 1", n)
	}
	if got := h.ct.LastSeen(); got != 100 {
		t.Errorf("LastSeen() = %d, want 100", got)
	}
}

func TestCommitFailureIsReported(t *testing.T) {
	h := newLiveHarness(t, account(1, "100", "0.25", "10"))
	h.store.ErrorOnNext["CommitCopy"] = errors.New("disk full")
	h.market.SetTrades(buyTrade("0x1", 100, "100", "0.40"))

	summary, err := h.ct.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if summary.Results[ResultFailed] != 1 {
		t.Errorf("results = %v", summary.Results)
	}
	if got := h.ct.Stats().Failed; got != 1 {
		t.Errorf("stats failed = %d, want 1", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newLiveHarness(t, account(1, "100", "0.25", "10"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.ct.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.ct.Stats().Ticks < 2 {
		select {
		case <-deadline:
			t.Fatal("runner did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.ct.Stats().Running {
		t.Error("stats still report running")
	}
}

func TestRunStops(t *testing.T) {
	h := newLiveHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.ct.Run(context.Background()) }()

	h.ct.Stop()
	h.ct.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestNewCopyTraderValidation(t *testing.T) {
	market := api.NewMockMarketData()
	store := storage.NewMockStore()

	if _, err := NewCopyTrader(market, store, nil, CopyTraderConfig{PollInterval: time.Second}, nil); err == nil {
		t.Error("expected error for missing trader")
	}
	if _, err := NewCopyTrader(market, store, nil, CopyTraderConfig{Trader: "0xt"}, nil); err == nil {
		t.Error("expected error for zero poll interval")
	}

	ct, err := NewCopyTrader(market, store, nil, CopyTraderConfig{Trader: "0xt", PollInterval: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewCopyTrader() error = %v", err)
	}
	if ct.config.Retry.Attempts != 3 {
		t.Errorf("default attempts = %d, want 3", ct.config.Retry.Attempts)
	}
	if ct.LastSeen() < time.Now().Add(-time.Minute).Unix() {
		t.Errorf("LastSeen() = %d, want about now", ct.LastSeen())
	}

	// Nil metrics are a no-op.
	ct.metrics.tick()
	ct.metrics.copyResult(ResultCopied)
}

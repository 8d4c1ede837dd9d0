package api

import (
	"context"
	"fmt"
	"sync"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// SubmittedOrder is one call recorded by MockSubmitter.
type SubmittedOrder struct {
	TokenID string
	Side    models.Side
	Amount  decimal.Decimal
}

// MockSubmitter is a scriptable Submitter for tests.
type MockSubmitter struct {
	mu sync.Mutex

	// Responses
	Result *OrderResult
	Orders map[string]*OpenOrder // LookupOrder answers by id

	// SubmitErrors are returned in order by successive SubmitMarketOrder
	// calls; once exhausted, Result is returned.
	SubmitErrors []error

	// Recorded calls
	Submitted []SubmittedOrder
	Calls     map[string]int

	// Error injection
	ErrorOnNext map[string]error
}

var _ Submitter = (*MockSubmitter)(nil)

// NewMockSubmitter creates a mock that accepts every order.
func NewMockSubmitter() *MockSubmitter {
	return &MockSubmitter{
		Result:      &OrderResult{OrderID: "mock-order", OrderHash: "0xmock", Status: "matched"},
		Orders:      make(map[string]*OpenOrder),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockSubmitter) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockSubmitter) SubmitMarketOrder(ctx context.Context, tokenID string, side models.Side, amount decimal.Decimal) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, SubmittedOrder{TokenID: tokenID, Side: side, Amount: amount})
	if err := m.trackCall("SubmitMarketOrder"); err != nil {
		return nil, err
	}
	if len(m.SubmitErrors) > 0 {
		err := m.SubmitErrors[0]
		m.SubmitErrors = m.SubmitErrors[1:]
		if err != nil {
			return nil, err
		}
	}

	result := *m.Result
	return &result, nil
}

func (m *MockSubmitter) LookupOrder(ctx context.Context, orderID string) (*OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackCall("LookupOrder"); err != nil {
		return nil, err
	}
	order, ok := m.Orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// CallCount returns how many times a method was called.
func (m *MockSubmitter) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// MockMarketData serves canned trades and markets.
type MockMarketData struct {
	mu sync.Mutex

	Trades  []models.Trade
	Markets map[string]models.Market

	// MarketRequests records the id lists passed to FetchMarkets.
	MarketRequests [][]string
	Calls          map[string]int
	ErrorOnNext    map[string]error
}

// NewMockMarketData creates an empty mock.
func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		Markets:     make(map[string]models.Market),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockMarketData) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// SetTrades replaces the trades returned by FetchTrades.
func (m *MockMarketData) SetTrades(trades ...models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades = trades
}

func (m *MockMarketData) FetchTrades(ctx context.Context, address string) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackCall("FetchTrades"); err != nil {
		return nil, err
	}
	out := make([]models.Trade, len(m.Trades))
	copy(out, m.Trades)
	return out, nil
}

func (m *MockMarketData) FetchMarkets(ctx context.Context, conditionIDs []string) ([]models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackCall("FetchMarkets"); err != nil {
		return nil, err
	}
	m.MarketRequests = append(m.MarketRequests, append([]string(nil), conditionIDs...))

	var out []models.Market
	for _, id := range conditionIDs {
		if market, ok := m.Markets[id]; ok {
			out = append(out, market)
		}
	}
	return out, nil
}

// MockDecrypter maps ciphertexts to plaintexts.
type MockDecrypter struct {
	mu    sync.Mutex
	Keys  map[string]string
	Calls int
}

// NewMockDecrypter creates an empty decrypter mock.
func NewMockDecrypter() *MockDecrypter {
	return &MockDecrypter{Keys: make(map[string]string)}
}

func (m *MockDecrypter) Decrypt(payload string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	key, ok := m.Keys[payload]
	if !ok {
		return "", fmt.Errorf("mock decrypter: unknown payload %q", payload)
	}
	return key, nil
}

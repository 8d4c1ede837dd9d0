package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"polymarket-copytrader/models"
)

const (
	DefaultDataURL  = "https://data-api.polymarket.com"
	DefaultGammaURL = "https://gamma-api.polymarket.com"

	defaultTradePageSize = 50
)

// ClientConfig configures the read-only market data client.
type ClientConfig struct {
	DataURL       string
	GammaURL      string
	TradePageSize int
	Timeout       time.Duration
}

// Client talks to the public data and gamma APIs. It never signs anything.
type Client struct {
	dataURL    string
	gammaURL   string
	pageSize   int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a market data client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DataURL == "" {
		cfg.DataURL = DefaultDataURL
	}
	if cfg.GammaURL == "" {
		cfg.GammaURL = DefaultGammaURL
	}
	if cfg.TradePageSize <= 0 {
		cfg.TradePageSize = defaultTradePageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		dataURL:    strings.TrimRight(cfg.DataURL, "/"),
		gammaURL:   strings.TrimRight(cfg.GammaURL, "/"),
		pageSize:   cfg.TradePageSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default().With("component", "market_data"),
	}
}

// FetchTrades returns the most recent taker fills for a trader, newest first
// as the API returns them. Fills that cannot be sized are dropped.
func (c *Client) FetchTrades(ctx context.Context, address string) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("user", address)
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("takerOnly", "true")

	var raw []DataTrade
	if err := c.getJSON(ctx, c.dataURL+"/trades?"+params.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("fetch trades for %s: %w", address, err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, t := range raw {
		trade, ok := t.ToModel()
		if !ok {
			c.logger.Warn("dropping malformed trade", "tx", t.TransactionHash, "price", t.Price.Decimal.String(), "size", t.Size.Decimal.String())
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// FetchMarkets returns gamma market data for the given condition ids in a
// single request. An empty id list makes no request.
func (c *Client) FetchMarkets(ctx context.Context, conditionIDs []string) ([]models.Market, error) {
	if len(conditionIDs) == 0 {
		return nil, nil
	}

	params := url.Values{}
	for _, id := range conditionIDs {
		params.Add("condition_ids", id)
	}
	params.Set("limit", strconv.Itoa(len(conditionIDs)))

	var raw []GammaMarket
	if err := c.getJSON(ctx, c.gammaURL+"/markets?"+params.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}

	markets := make([]models.Market, 0, len(raw))
	for _, m := range raw {
		markets = append(markets, m.ToModel())
	}
	return markets, nil
}

func (c *Client) getJSON(ctx context.Context, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode failed: %w", err)
	}
	return nil
}

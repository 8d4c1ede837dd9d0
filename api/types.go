package api

import (
	"bytes"
	"encoding/json"
	"strings"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers.
// Missing, empty or unparseable values decode as invalid rather than failing
// the whole payload.
type Numeric struct {
	decimal.NullDecimal
}

func (n *Numeric) UnmarshalJSON(data []byte) error {
	n.NullDecimal = decimal.NullDecimal{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	if raw == "" {
		return nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	n.NullDecimal = decimal.NewNullDecimal(d)
	return nil
}

// Positive reports whether the value is present and strictly greater than zero.
func (n Numeric) Positive() bool {
	return n.Valid && n.Decimal.IsPositive()
}

// PriceVector decodes gamma's outcomePrices, which is usually a JSON array
// encoded inside a string (e.g. "[\"0.55\",\"0.45\"]") but is accepted as a
// plain array too.
type PriceVector []Numeric

func (v *PriceVector) UnmarshalJSON(data []byte) error {
	*v = nil

	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		data = []byte(s)
	}

	var prices []Numeric
	if err := json.Unmarshal(data, &prices); err != nil {
		return err
	}
	*v = prices
	return nil
}

// DataTrade represents a trade from the data API.
type DataTrade struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Size            Numeric `json:"size"`
	Price           Numeric `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	TransactionHash string  `json:"transactionHash"`
}

// ToModel converts the wire trade. ok is false for fills that cannot be
// sized (missing hash, non-positive price or size).
func (t DataTrade) ToModel() (trade models.Trade, ok bool) {
	if t.TransactionHash == "" || !t.Price.Positive() || !t.Size.Positive() {
		return models.Trade{}, false
	}
	return models.Trade{
		AssetID:         t.Asset,
		ConditionID:     t.ConditionID,
		OutcomeIndex:    t.OutcomeIndex,
		Outcome:         t.Outcome,
		Title:           t.Title,
		Side:            models.Side(strings.ToUpper(t.Side)),
		Price:           t.Price.Decimal,
		Size:            t.Size.Decimal,
		Timestamp:       t.Timestamp,
		TransactionHash: t.TransactionHash,
	}, true
}

// GammaMarket represents a market returned by the gamma API.
type GammaMarket struct {
	ID             string      `json:"id"`
	Question       string      `json:"question"`
	ConditionID    string      `json:"conditionId"`
	Slug           string      `json:"slug"`
	Closed         *bool       `json:"closed"`
	BestBid        Numeric     `json:"bestBid"`
	BestAsk        Numeric     `json:"bestAsk"`
	LastTradePrice Numeric     `json:"lastTradePrice"`
	OutcomePrices  PriceVector `json:"outcomePrices"`
	Outcomes       string      `json:"outcomes"`     // JSON array as string e.g. "[\"Yes\",\"No\"]"
	ClobTokenIds   string      `json:"clobTokenIds"` // JSON array as string
}

// ToModel converts the wire market.
func (m GammaMarket) ToModel() models.Market {
	prices := make([]decimal.NullDecimal, len(m.OutcomePrices))
	for i, p := range m.OutcomePrices {
		prices[i] = p.NullDecimal
	}
	return models.Market{
		ConditionID:    m.ConditionID,
		Question:       m.Question,
		BestBid:        m.BestBid.NullDecimal,
		LastTradePrice: m.LastTradePrice.NullDecimal,
		OutcomePrices:  prices,
	}
}
